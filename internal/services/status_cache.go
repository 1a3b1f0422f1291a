// internal/services/status_cache.go
// KeyDB 狀態快取服務 - 每筆郵件的最新狀態鏡像

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// StatusCache KeyDB 狀態快取
// 快取失效不影響郵件流程，查詢端點會改讀資料庫
type StatusCache struct {
	cfg    *config.Config
	client *redis.Client
}

// NewStatusCache 建立狀態快取服務
func NewStatusCache(cfg *config.Config) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.KeyDBURL,
		Password: cfg.KeyDBPassword,
		DB:       0,
	})

	// 測試連接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to KeyDB: %w", err)
	}

	return &StatusCache{
		cfg:    cfg,
		client: client,
	}, nil
}

// SetStatus 設定郵件狀態
func (s *StatusCache) SetStatus(ctx context.Context, messageID, status string, attemptCount int, lastError, receiptID string) error {
	key := fmt.Sprintf("relay:status:%s", messageID)

	statusCache := models.MessageStatusCache{
		MessageID:    messageID,
		Status:       status,
		AttemptCount: attemptCount,
		LastUpdated:  time.Now().UTC().Format(time.RFC3339),
		LastError:    lastError,
		ReceiptID:    receiptID,
	}

	data, err := json.Marshal(statusCache)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	return s.client.Set(ctx, key, data, s.cfg.KeyDBStatusTTL).Err()
}

// GetStatus 取得郵件狀態
func (s *StatusCache) GetStatus(ctx context.Context, messageID string) (*models.MessageStatusCache, error) {
	key := fmt.Sprintf("relay:status:%s", messageID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("status not found")
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var status models.MessageStatusCache
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}

	return &status, nil
}

// Mirror 盡力更新快取，失敗時僅記錄
func (s *StatusCache) Mirror(ctx context.Context, messageID, status string, attemptCount int, lastError, receiptID string) {
	if s == nil {
		return
	}
	if err := s.SetStatus(ctx, messageID, status, attemptCount, lastError, receiptID); err != nil {
		log.Printf("[KeyDB] 更新狀態快取失敗: %v", err)
	}
}

// Ping 檢查連接
func (s *StatusCache) Ping(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close 關閉連接
func (s *StatusCache) Close() error {
	return s.client.Close()
}
