// internal/mail/normalize.go
// 標頭正規化 - 依政策補齊缺漏的標頭欄位

package mail

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Policy 正規化政策，每條規則可獨立開關
type Policy struct {
	AddMessageID  bool   // 缺少 Message-ID 時補上
	AddDate       bool   // 缺少 Date 時補上
	FixFrom       bool   // 修補缺漏或不完整的 From
	AddReceived   bool   // 加上轉發來源追蹤標頭
	DefaultFrom   string // From 完全缺漏時的替代地址
	DefaultDomain string // From 只有本機部分時補上的網域
	Hostname      string // Message-ID 使用的主機名稱
}

// SessionMeta 連線層的中繼資料，正規化時作為輸入
type SessionMeta struct {
	Sender     string    // 信封寄件者 (MAIL FROM)
	OriginIP   string    // 來源連線 IP
	OriginPort int       // 接收郵件的本機埠號
	ReceivedAt time.Time // 收件時間
}

// Normalize 產生正規化後的郵件副本
// 對自身輸出重複套用不會再有任何變更，所有規則都只在欄位缺漏時補上
func Normalize(msg *ParsedMessage, meta SessionMeta, policy Policy) *ParsedMessage {
	out := &ParsedMessage{
		Header:      msg.Header.Copy(),
		Body:        msg.Body,
		Subject:     msg.Subject,
		TextBody:    msg.TextBody,
		HTMLBody:    msg.HTMLBody,
		Attachments: msg.Attachments,
	}
	h := &out.Header

	if policy.AddMessageID && !h.Has("Message-Id") {
		h.Add("Message-Id", fmt.Sprintf("<%s@%s>", uuid.New().String(), policy.Hostname))
	}

	if policy.AddDate && !h.Has("Date") {
		h.Add("Date", meta.ReceivedAt.Format(time.RFC1123Z))
	}

	if policy.FixFrom {
		fixFrom(h, meta, policy)
	}

	if policy.AddReceived {
		if !h.Has("X-Relay-Received") {
			h.Add("X-Relay-Received", meta.ReceivedAt.Format(time.RFC1123Z))
		}
		if !h.Has("X-Relay-Origin-Port") {
			h.Add("X-Relay-Origin-Port", strconv.Itoa(meta.OriginPort))
		}
		if !h.Has("X-Relay-Origin-Ip") {
			h.Add("X-Relay-Origin-Ip", meta.OriginIP)
		}
	}

	return out
}

// fixFrom 修補 From 標頭
// 完全缺漏時依序採用政策預設地址、信封寄件者；
// 只有本機部分 (無 @) 時補上預設網域
func fixFrom(h *textproto.Header, meta SessionMeta, policy Policy) {
	from := strings.TrimSpace(h.Get("From"))

	if from == "" {
		replacement := policy.DefaultFrom
		if replacement == "" {
			replacement = meta.Sender
		}
		if replacement != "" {
			h.Set("From", replacement)
		}
		return
	}

	if !strings.Contains(from, "@") && policy.DefaultDomain != "" {
		h.Set("From", from+"@"+policy.DefaultDomain)
	}
}
