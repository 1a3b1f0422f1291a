// internal/smtp/server.go
// SMTP Server 核心 - 管理明文升級與隱含 TLS 兩個監聽埠

package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"mail-relay/internal/config"
	"mail-relay/internal/relaytls"
)

// Server SMTP 伺服器
// 同一個 Backend 服務兩個監聽埠：明文埠提供 STARTTLS 升級，TLS 埠直接加密
type Server struct {
	cfg     *config.Config
	backend *Backend
	plain   *gosmtp.Server
	secure  *gosmtp.Server
}

// NewServer 建立 SMTP 伺服器
func NewServer(cfg *config.Config, backend *Backend) *Server {
	return &Server{
		cfg:     cfg,
		backend: backend,
	}
}

// Start 啟動兩個監聽埠（阻塞式）
func (s *Server) Start() error {
	tlsConfig, err := relaytls.ServerConfig(s.cfg.TLSCertFile, s.cfg.TLSKeyFile, s.cfg.SMTPDomain, "1.2")
	if err != nil {
		return fmt.Errorf("failed to prepare TLS config: %w", err)
	}

	s.plain = s.newServer(tlsConfig)
	s.plain.Addr = fmt.Sprintf(":%s", s.cfg.SMTPInboundPort)

	s.secure = s.newServer(tlsConfig)
	s.secure.Addr = fmt.Sprintf(":%s", s.cfg.SMTPInboundTLSPort)

	log.Printf("[SMTP] 伺服器啟動中... 監聽埠號: %s (STARTTLS), %s (TLS)",
		s.cfg.SMTPInboundPort, s.cfg.SMTPInboundTLSPort)
	log.Printf("[SMTP] 最大訊息大小: %d MB", s.cfg.SMTPMaxMessageSize)
	log.Printf("[SMTP] 允許的收件網域: %v", s.cfg.AllowedRecipientDomains)

	go func() {
		if err := s.secure.ListenAndServeTLS(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
			log.Printf("[SMTP] TLS 監聽埠結束: %v", err)
		}
	}()

	if err := s.plain.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
		return fmt.Errorf("SMTP server error: %w", err)
	}

	return nil
}

// newServer 以共用設定建立 go-smtp 伺服器
func (s *Server) newServer(tlsConfig *tls.Config) *gosmtp.Server {
	srv := gosmtp.NewServer(s.backend)
	srv.Domain = s.cfg.SMTPDomain
	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.MaxMessageBytes = int64(s.cfg.SMTPMaxMessageSize) * 1024 * 1024
	srv.MaxRecipients = s.cfg.SMTPMaxRecipients
	srv.TLSConfig = tlsConfig
	return srv
}

// Shutdown 優雅關機
func (s *Server) Shutdown() error {
	log.Println("[SMTP] 正在關閉伺服器...")

	var err error
	if s.secure != nil {
		if cerr := s.secure.Close(); cerr != nil {
			err = cerr
		}
	}
	if s.plain != nil {
		if cerr := s.plain.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
