// internal/relaytls/tls.go
// TLS 設定 - 憑證載入、自簽憑證後備與最低版本控制

package relaytls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"time"
)

// MinVersion 將設定字串轉成 TLS 版本常數，未知值一律視為 1.2
func MinVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// ServerConfig 建立入站監聽使用的 TLS 設定
// 憑證檔案存在時載入檔案 (唯讀，輪替由外部機制處理)；
// 未設定時產生一次性的自簽憑證，讓 TLS 埠在開發環境也能啟動
func ServerConfig(certFile, keyFile, hostname, minVersion string) (*tls.Config, error) {
	var cert tls.Certificate

	if certFile != "" && keyFile != "" {
		if _, err := os.Stat(certFile); err != nil {
			return nil, fmt.Errorf("certificate file not found: %w", err)
		}
		if _, err := os.Stat(keyFile); err != nil {
			return nil, fmt.Errorf("key file not found: %w", err)
		}

		loaded, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = loaded
		log.Printf("[TLS] 已載入憑證: %s", certFile)
	} else {
		generated, err := generateSelfSigned(hostname)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cert = *generated
		log.Printf("[TLS] 未設定憑證，使用自簽憑證 (CN=%s)", hostname)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   MinVersion(minVersion),
	}, nil
}

// ClientConfig 建立出站連線使用的 TLS 設定 (系統信任鏈驗證)
func ClientConfig(serverName, minVersion string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		MinVersion: MinVersion(minVersion),
	}
}

// generateSelfSigned 產生記憶體中的 ECDSA P-256 自簽憑證，有效期一年
// 不寫入任何檔案
func generateSelfSigned(hostname string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	if hostname == "" {
		hostname = "localhost"
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames:    []string{hostname, "localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509 key pair: %w", err)
	}

	return &cert, nil
}
