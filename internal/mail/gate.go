// internal/mail/gate.go
// 收件者網域閘門 - 全有或全無的允許清單檢查

package mail

import "strings"

// Gate 收件者網域允許清單
// 清單包含 "*" 時停用過濾，接受所有網域
type Gate struct {
	allowAll bool
	domains  map[string]bool
}

// NewGate 依設定的網域清單建立閘門
func NewGate(allowed []string) *Gate {
	g := &Gate{domains: make(map[string]bool)}
	for _, domain := range allowed {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if domain == "*" {
			g.allowAll = true
			continue
		}
		g.domains[domain] = true
	}
	return g
}

// Allowed 檢查單一收件者的網域是否在允許清單中
// 任何一位收件者被拒，整筆交易都必須拒絕，不做部分投遞
func (g *Gate) Allowed(recipient string) bool {
	if g.allowAll {
		return true
	}
	domain := recipientDomain(recipient)
	if domain == "" {
		return false
	}
	return g.domains[domain]
}

// FirstRejected 回傳清單中第一個被拒的收件者，全數通過時回傳空字串
func (g *Gate) FirstRejected(recipients []string) string {
	for _, recipient := range recipients {
		if !g.Allowed(recipient) {
			return recipient
		}
	}
	return ""
}

// recipientDomain 取出地址的網域部分 (小寫)
func recipientDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
