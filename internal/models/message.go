// internal/models/message.go
// 佇列郵件資料模型

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// MessageStatus 佇列郵件狀態
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusInFlight   MessageStatus = "in_flight"
	MessageStatusDelivered  MessageStatus = "delivered"
	MessageStatusDeadLetter MessageStatus = "dead_letter"
)

// Headers 正規化後的標頭快照 (key -> 多值)
type Headers map[string][]string

// QueuedMessage 佇列郵件資料模型
// RawBody 建立後不再變動；狀態轉移僅允許
// pending -> in_flight -> {delivered | pending | dead_letter}
type QueuedMessage struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Sender        string         `json:"sender" gorm:"not null"`
	Recipients    pq.StringArray `json:"recipients" gorm:"type:text[];not null"`
	RawBody       []byte         `json:"-" gorm:"type:bytea"`
	Headers       Headers        `json:"headers,omitempty" gorm:"type:jsonb;serializer:json"`
	Subject       string         `json:"subject,omitempty"`
	Status        MessageStatus  `json:"status" gorm:"not null;default:'pending';index"`
	AttemptCount  int            `json:"attempt_count" gorm:"default:0"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at" gorm:"index"`
	ReceiptID     string         `json:"receipt_id,omitempty"`
	OriginIP      string         `json:"origin_ip,omitempty"`
	OriginPort    int            `json:"origin_port,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定資料表名稱
func (QueuedMessage) TableName() string {
	return "queued_messages"
}

// Terminal 是否已進入終態 (不再排程)
func (m *QueuedMessage) Terminal() bool {
	return m.Status == MessageStatusDelivered || m.Status == MessageStatusDeadLetter
}

// ActivityEvent 活動記錄事件 (發布到 RabbitMQ，供營運工具消費)
type ActivityEvent struct {
	Origin     string    `json:"origin"`
	Event      string    `json:"event"`
	MessageID  string    `json:"message_id,omitempty"`
	MessageRef string    `json:"message_ref,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Recipients []string  `json:"recipients,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// 活動事件類型
const (
	ActivityReceived    = "received"
	ActivityRejected    = "rejected"
	ActivityQueued      = "queued"
	ActivityDelivered   = "delivered"
	ActivityDeadLetter  = "dead_letter"
	ActivityAuthFailure = "auth_failure"
)

// MessageStatusCache KeyDB 快取格式
type MessageStatusCache struct {
	MessageID    string `json:"message_id"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	LastUpdated  string `json:"last_updated"`
	LastError    string `json:"last_error,omitempty"`
	ReceiptID    string `json:"receipt_id,omitempty"`
}

// QueueSnapshot 佇列統計快照 (唯讀，供管理介面查詢)
type QueueSnapshot struct {
	Pending    int64                `json:"pending"`
	InFlight   int64                `json:"in_flight"`
	Delivered  int64                `json:"delivered"`
	DeadLetter int64                `json:"dead_letter"`
	Recent     []QueueSnapshotEntry `json:"recent"`
}

// QueueSnapshotEntry 快照中的單筆郵件摘要
type QueueSnapshotEntry struct {
	ID            uuid.UUID     `json:"id"`
	Status        MessageStatus `json:"status"`
	Sender        string        `json:"sender"`
	Recipients    []string      `json:"recipients"`
	AttemptCount  int           `json:"attempt_count"`
	LastError     string        `json:"last_error,omitempty"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
