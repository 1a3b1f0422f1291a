// internal/delivery/client.go
// SMTP 提交用戶端 - 以 textproto 實作，保留每個指令的狀態碼與回應文字

package delivery

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

// Client 單一出站 SMTP 連線
// 標準庫與 go-smtp 的用戶端都不回傳 DATA 成功回應的文字，
// 無法取得提供者的回條編號，因此自行維護提交流程
type Client struct {
	conn     net.Conn
	text     *textproto.Conn
	heloName string
	timeout  time.Duration
	ext      map[string]string
}

// Dial 建立連線並完成問候與 EHLO
func Dial(ctx context.Context, addr, heloName string, timeout time.Duration) (*Client, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := &Client{
		conn:     conn,
		text:     textproto.NewConn(conn),
		heloName: heloName,
		timeout:  timeout,
	}

	c.stampDeadline()
	if _, _, err := c.text.ReadResponse(220); err != nil {
		c.Close()
		return nil, fmt.Errorf("unexpected greeting: %w", err)
	}

	if err := c.hello(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// StartTLS 升級為加密連線後重新 EHLO
// 伺服器未宣告 STARTTLS 時直接失敗，不允許明文提交
func (c *Client) StartTLS(cfg *tls.Config) error {
	if _, ok := c.ext["STARTTLS"]; !ok {
		return fmt.Errorf("server does not advertise STARTTLS")
	}

	if _, _, err := c.cmd(220, "STARTTLS"); err != nil {
		return fmt.Errorf("STARTTLS failed: %w", err)
	}

	tlsConn := tls.Client(c.conn, cfg)
	c.stampDeadline()
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	c.conn = tlsConn
	c.text = textproto.NewConn(tlsConn)

	return c.hello()
}

// Auth 執行 SASL 認證交換
func (c *Client) Auth(mech sasl.Client) error {
	mechName, ir, err := mech.Start()
	if err != nil {
		return err
	}

	code, msg, err := c.cmd(0, "AUTH %s %s", mechName, base64.StdEncoding.EncodeToString(ir))
	for err == nil && code == 334 {
		challenge, decErr := base64.StdEncoding.DecodeString(msg)
		if decErr != nil {
			return fmt.Errorf("malformed auth challenge: %w", decErr)
		}
		resp, mechErr := mech.Next(challenge)
		if mechErr != nil {
			// 機制已放棄，送空白行取得伺服器的最終狀態碼
			resp = []byte{}
		}
		code, msg, err = c.cmd(0, "%s", base64.StdEncoding.EncodeToString(resp))
	}
	if err != nil {
		return err
	}
	if code != 235 {
		return &textproto.Error{Code: code, Msg: msg}
	}
	return nil
}

// Mail 送出 MAIL FROM
func (c *Client) Mail(from string) error {
	_, _, err := c.cmd(250, "MAIL FROM:<%s>", from)
	return err
}

// Rcpt 送出 RCPT TO (接受 250 與 251)
func (c *Client) Rcpt(to string) error {
	_, _, err := c.cmd(25, "RCPT TO:<%s>", to)
	return err
}

// Data 送出郵件內容，回傳最終 250 回應的文字作為回條
func (c *Client) Data(r io.Reader) (string, error) {
	if _, _, err := c.cmd(354, "DATA"); err != nil {
		return "", err
	}

	c.stampDeadline()
	w := c.text.DotWriter()
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish message body: %w", err)
	}

	c.stampDeadline()
	_, msg, err := c.text.ReadResponse(250)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg), nil
}

// Quit 正常結束連線
func (c *Client) Quit() error {
	_, _, err := c.cmd(221, "QUIT")
	if closeErr := c.text.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close 直接關閉連線
func (c *Client) Close() error {
	return c.text.Close()
}

// hello 送出 EHLO 並解析伺服器宣告的擴充功能
func (c *Client) hello() error {
	_, msg, err := c.cmd(250, "EHLO %s", c.heloName)
	if err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	c.ext = make(map[string]string)
	lines := strings.Split(msg, "\n")
	if len(lines) > 1 {
		for _, line := range lines[1:] {
			name, params, _ := strings.Cut(line, " ")
			c.ext[strings.ToUpper(name)] = params
		}
	}
	return nil
}

// cmd 送出單一指令並讀取回應
// expectCode 為 0 時不檢查狀態碼，由呼叫端自行判斷
func (c *Client) cmd(expectCode int, format string, args ...any) (int, string, error) {
	c.stampDeadline()
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	return c.text.ReadResponse(expectCode)
}

// stampDeadline 重設連線期限，每個指令各自計時
func (c *Client) stampDeadline() {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}
