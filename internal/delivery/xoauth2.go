// internal/delivery/xoauth2.go
// XOAUTH2 認證機制 - 以 Bearer Token 進行 SMTP 認證

package delivery

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client 實作 sasl.Client 介面
// Office 365 的 SMTP AUTH 使用 XOAUTH2 機制 (非 RFC 7628 的 OAUTHBEARER)
type xoauth2Client struct {
	username string
	token    string
	failed   bool
}

// NewXOAuth2Client 建立 XOAUTH2 認證用戶端
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

// Start 組出初始回應: user=<帳號>^Aauth=Bearer <token>^A^A
func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", resp, nil
}

// Next 處理伺服器的後續挑戰
// 認證失敗時伺服器會以 334 送回錯誤 JSON，
// 用戶端必須回覆空白行讓伺服器送出最終的錯誤狀態碼
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if c.failed {
		return nil, fmt.Errorf("xoauth2: authentication failed: %s", challenge)
	}
	c.failed = true
	return []byte{}, nil
}
