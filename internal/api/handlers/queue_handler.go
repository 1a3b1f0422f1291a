// internal/api/handlers/queue_handler.go
// 佇列查詢 Handler - 狀態快照與單筆訊息查詢

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mail-relay/internal/config"
	"mail-relay/internal/queue"
	"mail-relay/internal/services"
)

// QueueHandler 佇列查詢 Handler
type QueueHandler struct {
	cfg   *config.Config
	store *queue.Store
	cache *services.StatusCache
}

// NewQueueHandler 建立 Queue Handler
func NewQueueHandler(cfg *config.Config, store *queue.Store, cache *services.StatusCache) *QueueHandler {
	return &QueueHandler{
		cfg:   cfg,
		store: store,
		cache: cache,
	}
}

// Snapshot 取得佇列快照（各狀態數量與最近異動）
func (h *QueueHandler) Snapshot(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "queue_unavailable",
			"message": "Queue store is not available",
		})
		return
	}

	snapshot, err := h.store.Snapshot(20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "snapshot_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"snapshot": snapshot,
	})
}

// GetMessage 查詢單筆訊息狀態
// 優先讀取 KeyDB 快取，未命中時改讀資料庫
func (h *QueueHandler) GetMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_id",
			"message": "Message ID must be a UUID",
		})
		return
	}

	if h.cache != nil {
		if status, err := h.cache.GetStatus(c.Request.Context(), id.String()); err == nil {
			c.JSON(http.StatusOK, gin.H{
				"success": true,
				"source":  "cache",
				"message": status,
			})
			return
		}
	}

	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "queue_unavailable",
			"message": "Queue store is not available",
		})
		return
	}

	msg, err := h.store.Get(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "not_found",
				"message": "Message not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "query_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"source":  "database",
		"message": gin.H{
			"id":              msg.ID,
			"status":          msg.Status,
			"sender":          msg.Sender,
			"recipients":      msg.Recipients,
			"subject":         msg.Subject,
			"attempt_count":   msg.AttemptCount,
			"last_error":      msg.LastError,
			"next_attempt_at": msg.NextAttemptAt,
			"receipt_id":      msg.ReceiptID,
			"delivered_at":    msg.DeliveredAt,
			"created_at":      msg.CreatedAt,
			"updated_at":      msg.UpdatedAt,
		},
	})
}
