// internal/queue/store.go
// 佇列持久層 - QueuedMessage 的狀態轉移與批次取用

package queue

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mail-relay/internal/models"
)

// Store 佇列持久層
type Store struct {
	db *gorm.DB
}

// NewStore 建立佇列持久層
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate 建立資料表
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&models.QueuedMessage{})
}

// Create 寫入一筆佇列記錄
func (s *Store) Create(msg *models.QueuedMessage) error {
	return s.db.Create(msg).Error
}

// AcquireDue 取出到期的待送訊息並標記為發送中
// SKIP LOCKED 讓多個程序可以安全地同時掃描；
// in_flight 狀態本身就是同一訊息同時間至多一次投遞的保證
func (s *Store) AcquireDue(now time.Time, limit int) ([]models.QueuedMessage, error) {
	var acquired []models.QueuedMessage

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var candidates []models.QueuedMessage
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_attempt_at <= ?", models.MessageStatusPending, now).
			Order("next_attempt_at ASC").
			Limit(limit).
			Find(&candidates).Error; err != nil {
			return err
		}

		ids := make([]uuid.UUID, 0, len(candidates))
		for i := range candidates {
			msg := &candidates[i]

			// 損毀的記錄直接進死信，永不排程，保留供檢視
			if reason := corruptReason(msg); reason != "" {
				log.Printf("[Queue] 偵測到損毀記錄 %s: %s", msg.ID, reason)
				if err := tx.Model(&models.QueuedMessage{}).
					Where("id = ?", msg.ID).
					Updates(map[string]interface{}{
						"status":     models.MessageStatusDeadLetter,
						"last_error": "corrupt record: " + reason,
					}).Error; err != nil {
					return err
				}
				continue
			}

			ids = append(ids, msg.ID)
			msg.Status = models.MessageStatusInFlight
			acquired = append(acquired, *msg)
		}

		if len(ids) == 0 {
			return nil
		}

		return tx.Model(&models.QueuedMessage{}).
			Where("id IN ?", ids).
			Update("status", models.MessageStatusInFlight).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire due messages: %w", err)
	}

	return acquired, nil
}

// MarkDelivered 標記投遞成功
func (s *Store) MarkDelivered(id uuid.UUID, receiptID string) error {
	now := time.Now().UTC()
	return s.db.Model(&models.QueuedMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.MessageStatusDelivered,
			"receipt_id":   receiptID,
			"last_error":   "",
			"delivered_at": now,
		}).Error
}

// MarkRetry 標記暫時性失敗，累計嘗試次數並排定下次時間
func (s *Store) MarkRetry(id uuid.UUID, attemptCount int, lastErr string, next time.Time) error {
	return s.db.Model(&models.QueuedMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.MessageStatusPending,
			"attempt_count":   attemptCount,
			"last_error":      lastErr,
			"next_attempt_at": next,
		}).Error
}

// MarkAuthDeferred 標記認證失敗
// 不累計嘗試次數，憑證恢復後訊息仍可投遞，永不因認證問題進死信
func (s *Store) MarkAuthDeferred(id uuid.UUID, lastErr string, next time.Time) error {
	return s.db.Model(&models.QueuedMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.MessageStatusPending,
			"last_error":      lastErr,
			"next_attempt_at": next,
		}).Error
}

// MarkDeadLetter 標記永久失敗
func (s *Store) MarkDeadLetter(id uuid.UUID, attemptCount int, lastErr string) error {
	return s.db.Model(&models.QueuedMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.MessageStatusDeadLetter,
			"attempt_count": attemptCount,
			"last_error":    lastErr,
		}).Error
}

// ReloadInFlight 重啟後將發送中的記錄還原為待送
// next_attempt_at 保持原值：已到期的立即符合資格，未到期的依原排程
func (s *Store) ReloadInFlight() (int64, error) {
	result := s.db.Model(&models.QueuedMessage{}).
		Where("status = ?", models.MessageStatusInFlight).
		Update("status", models.MessageStatusPending)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reload in-flight messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Get 讀取單筆記錄
func (s *Store) Get(id uuid.UUID) (*models.QueuedMessage, error) {
	var msg models.QueuedMessage
	if err := s.db.Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// Snapshot 彙整各狀態的數量與最近異動的記錄
func (s *Store) Snapshot(recentLimit int) (*models.QueueSnapshot, error) {
	snapshot := &models.QueueSnapshot{}

	var rows []struct {
		Status models.MessageStatus
		Count  int64
	}
	if err := s.db.Model(&models.QueuedMessage{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	for _, row := range rows {
		switch row.Status {
		case models.MessageStatusPending:
			snapshot.Pending = row.Count
		case models.MessageStatusInFlight:
			snapshot.InFlight = row.Count
		case models.MessageStatusDelivered:
			snapshot.Delivered = row.Count
		case models.MessageStatusDeadLetter:
			snapshot.DeadLetter = row.Count
		}
	}

	var recent []models.QueuedMessage
	if err := s.db.Order("updated_at DESC").Limit(recentLimit).Find(&recent).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	for _, msg := range recent {
		snapshot.Recent = append(snapshot.Recent, models.QueueSnapshotEntry{
			ID:            msg.ID,
			Status:        msg.Status,
			Sender:        msg.Sender,
			Recipients:    msg.Recipients,
			AttemptCount:  msg.AttemptCount,
			LastError:     msg.LastError,
			NextAttemptAt: msg.NextAttemptAt,
			UpdatedAt:     msg.UpdatedAt,
		})
	}

	return snapshot, nil
}

// corruptReason 檢查記錄是否缺少投遞必要的欄位
func corruptReason(msg *models.QueuedMessage) string {
	if len(msg.Recipients) == 0 {
		return "no recipients"
	}
	if len(msg.RawBody) == 0 {
		return "empty body"
	}
	return ""
}
