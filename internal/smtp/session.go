// internal/smtp/session.go
// SMTP Session 處理 - 接收郵件、正規化標頭並執行首次投遞

package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"mail-relay/internal/delivery"
	"mail-relay/internal/mail"
	"mail-relay/internal/models"
	"mail-relay/internal/queue"
)

var errMessageTooLarge = errors.New("message too large")

// Session 實作 smtp.Session 介面
// 處理單一 SMTP 連線的郵件接收
type Session struct {
	backend *Backend

	originIP   string
	originPort int

	from    string   // 寄件者地址
	to      []string // 收件者地址列表
	tainted string   // 被拒絕的收件者，非空代表整筆交易必須拒絕
}

// NewSession 建立新的 Session
func NewSession(backend *Backend, originIP string, originPort int) *Session {
	return &Session{
		backend:    backend,
		originIP:   originIP,
		originPort: originPort,
		to:         make([]string, 0),
	}
}

// Mail 處理 MAIL FROM 指令
func (s *Session) Mail(from string, opts *gosmtp.MailOptions) error {
	from = cleanEmail(from)
	log.Printf("[SMTP] MAIL FROM: %s", from)

	s.from = from
	return nil
}

// Rcpt 處理 RCPT TO 指令
// 網域不在允許清單時立即拒絕並污染整筆交易，不做部分投遞
func (s *Session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	to = cleanEmail(to)
	log.Printf("[SMTP] RCPT TO: %s", to)

	if !s.backend.gate.Allowed(to) {
		s.tainted = to
		log.Printf("[SMTP] 拒絕收件者 %s: 網域不在允許清單", to)
		s.backend.activity.Record(&models.ActivityEvent{
			Origin:     s.originIP,
			Event:      models.ActivityRejected,
			Sender:     s.from,
			Recipients: []string{to},
			Detail:     "recipient domain not allowed",
		})
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "recipient domain not allowed",
		}
	}

	s.to = append(s.to, to)
	return nil
}

// Data 處理 DATA 指令
// 大小與閘門檢查通過即回覆成功；首次同步投遞的結果只決定佇列狀態，
// 不再回傳給提交端。佇列儲存不可用時改以協定回覆傳達投遞結果
func (s *Session) Data(r io.Reader) error {
	log.Printf("[SMTP] 開始接收郵件資料 (from=%s, to=%v)", s.from, s.to)

	if s.tainted != "" {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      fmt.Sprintf("transaction rejected: recipient not permitted: %s", s.tainted),
		}
	}

	maxBytes := int64(s.backend.cfg.SMTPMaxMessageSize) * 1024 * 1024
	raw, err := readBounded(r, maxBytes)
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			log.Printf("[SMTP] 郵件超過大小上限 (%d MB)，中止接收", s.backend.cfg.SMTPMaxMessageSize)
			return &gosmtp.SMTPError{
				Code:         552,
				EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
				Message:      "message exceeds maximum size",
			}
		}
		log.Printf("[SMTP] 讀取郵件資料失敗: %v", err)
		return fmt.Errorf("failed to read mail data: %w", err)
	}

	log.Printf("[SMTP] 收到郵件: %d bytes", len(raw))

	parsed, err := mail.Parse(raw)
	if err != nil {
		log.Printf("[SMTP] 解析郵件失敗: %v", err)
		return fmt.Errorf("failed to parse mail: %w", err)
	}

	meta := mail.SessionMeta{
		Sender:     s.from,
		OriginIP:   s.originIP,
		OriginPort: s.originPort,
		ReceivedAt: time.Now().UTC(),
	}
	normalized := mail.Normalize(parsed, meta, s.backend.policy)

	rawOut, err := normalized.Bytes()
	if err != nil {
		log.Printf("[SMTP] 序列化郵件失敗: %v", err)
		return fmt.Errorf("failed to serialize mail: %w", err)
	}

	msg := &models.QueuedMessage{
		ID:            uuid.New(),
		Sender:        s.from,
		Recipients:    pq.StringArray(s.to),
		RawBody:       rawOut,
		Headers:       normalized.HeaderMap(),
		Subject:       normalized.Subject,
		Status:        models.MessageStatusPending,
		NextAttemptAt: meta.ReceivedAt,
		OriginIP:      s.originIP,
		OriginPort:    s.originPort,
	}

	s.backend.activity.Record(&models.ActivityEvent{
		Origin:     s.originIP,
		Event:      models.ActivityReceived,
		MessageID:  msg.ID.String(),
		MessageRef: normalized.Header.Get("Message-Id"),
		Sender:     s.from,
		Recipients: msg.Recipients,
		Detail:     normalized.Subject,
	})

	// 在 Session 內同步執行首次投遞
	outcome := s.backend.sender.Deliver(context.Background(), s.from, s.to, rawOut)
	queue.Resolve(msg, outcome, s.backend.cfg)

	if s.backend.store == nil {
		log.Printf("[SMTP] 降級模式: 佇列儲存不可用，投遞結果直接回覆提交端")
		return s.degradedReply(outcome)
	}

	if err := s.backend.store.Create(msg); err != nil {
		log.Printf("[SMTP] 佇列儲存寫入失敗，改以協定回覆傳達結果: %v", err)
		return s.degradedReply(outcome)
	}

	s.afterPersist(msg, outcome)
	return nil
}

// Reset 重置 Session 狀態
func (s *Session) Reset() {
	s.from = ""
	s.to = make([]string, 0)
	s.tainted = ""
}

// Logout 處理 QUIT 指令
func (s *Session) Logout() error {
	log.Printf("[SMTP] Session 結束")
	return nil
}

// afterPersist 記錄寫入佇列後的狀態鏡像與活動事件
func (s *Session) afterPersist(msg *models.QueuedMessage, outcome delivery.Outcome) {
	ctx := context.Background()
	id := msg.ID.String()

	s.backend.cache.Mirror(ctx, id, string(msg.Status), msg.AttemptCount, msg.LastError, msg.ReceiptID)

	event := &models.ActivityEvent{
		Origin:     s.originIP,
		MessageID:  id,
		Sender:     msg.Sender,
		Recipients: msg.Recipients,
	}

	switch msg.Status {
	case models.MessageStatusDelivered:
		log.Printf("[SMTP] 郵件 %s 首次嘗試即投遞成功 (回條: %s)", id, msg.ReceiptID)
		event.Event = models.ActivityDelivered
		event.Detail = msg.ReceiptID

	case models.MessageStatusDeadLetter:
		log.Printf("[SMTP] 郵件 %s 遭永久拒絕，移入死信: %s", id, msg.LastError)
		event.Event = models.ActivityDeadLetter
		event.Detail = msg.LastError

	default:
		log.Printf("[SMTP] 郵件 %s 已排入佇列 (下次嘗試: %s)", id, msg.NextAttemptAt.Format(time.RFC3339))
		event.Event = models.ActivityQueued
		event.Detail = msg.LastError
		if outcome.Kind == delivery.OutcomeAuthFailure {
			event.Event = models.ActivityAuthFailure
		}
	}

	s.backend.activity.Record(event)
}

// degradedReply 將投遞結果直接對應為協定回覆
func (s *Session) degradedReply(outcome delivery.Outcome) error {
	switch outcome.Kind {
	case delivery.OutcomeDelivered:
		log.Printf("[SMTP] 郵件已直接投遞 (回條: %s)", outcome.ReceiptID)
		return nil
	case delivery.OutcomePermanentRejection:
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 0, 0},
			Message:      "delivery rejected by provider",
		}
	default:
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 4, 1},
			Message:      "temporary failure, retry later",
		}
	}
}

// readBounded 以上限讀取郵件內容，超出即中止，不做無上限的緩衝
func readBounded(r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, errMessageTooLarge
	}
	return buf.Bytes(), nil
}

// cleanEmail 清理郵件地址（移除角括號）
func cleanEmail(email string) string {
	email = strings.TrimSpace(email)
	email = strings.TrimPrefix(email, "<")
	email = strings.TrimSuffix(email, ">")
	return email
}
