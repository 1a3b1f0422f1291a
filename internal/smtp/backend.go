// internal/smtp/backend.go
// SMTP Backend 介面實作 - 處理入站連線並建立 Session

package smtp

import (
	"log"
	"net"

	gosmtp "github.com/emersion/go-smtp"

	"mail-relay/internal/config"
	"mail-relay/internal/mail"
	"mail-relay/internal/queue"
	"mail-relay/internal/services"
)

// Backend 實作 smtp.Backend 介面
// 持有接收管線的共用依賴，每個連線建立一個 Session
type Backend struct {
	cfg      *config.Config
	store    *queue.Store // nil 代表佇列儲存不可用，進入降級模式
	sender   queue.Sender
	gate     *mail.Gate
	policy   mail.Policy
	activity *services.ActivityService
	cache    *services.StatusCache
}

// NewBackend 建立 SMTP Backend
func NewBackend(cfg *config.Config, store *queue.Store, sender queue.Sender, activity *services.ActivityService, cache *services.StatusCache) *Backend {
	return &Backend{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		gate:     mail.NewGate(cfg.AllowedRecipientDomains),
		policy:   policyFromConfig(cfg),
		activity: activity,
		cache:    cache,
	}
}

// NewSession 建立新的 SMTP Session
// 實作 smtp.Backend 介面
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remoteIP, localPort := connInfo(c)
	log.Printf("[SMTP] 新連線來自: %s", remoteIP)

	return NewSession(b, remoteIP, localPort), nil
}

// policyFromConfig 由設定組出正規化政策
func policyFromConfig(cfg *config.Config) mail.Policy {
	return mail.Policy{
		AddMessageID:  cfg.HeaderAddMessageID,
		AddDate:       cfg.HeaderAddDate,
		FixFrom:       cfg.HeaderFixFrom,
		AddReceived:   cfg.HeaderAddReceived,
		DefaultFrom:   cfg.HeaderDefaultFrom,
		DefaultDomain: cfg.HeaderDefaultDomain,
		Hostname:      cfg.SMTPDomain,
	}
}

// connInfo 取出來源 IP 與接收埠號
func connInfo(c *gosmtp.Conn) (string, int) {
	remoteIP := ""
	localPort := 0

	conn := c.Conn()
	if conn == nil {
		return remoteIP, localPort
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = addr.IP.String()
	}
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		localPort = addr.Port
	}
	return remoteIP, localPort
}
