// internal/api/handlers/health_handler.go
// 健康檢查 Handler

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mail-relay/internal/auth"
	"mail-relay/internal/config"
	"mail-relay/internal/delivery"
	"mail-relay/internal/services"
)

// HealthHandler 健康檢查 Handler
type HealthHandler struct {
	cfg    *config.Config
	db     *gorm.DB
	cache  *services.StatusCache
	probe  *delivery.Probe
	broker *auth.Broker
}

// NewHealthHandler 建立 Health Handler
func NewHealthHandler(cfg *config.Config, db *gorm.DB, cache *services.StatusCache, probe *delivery.Probe, broker *auth.Broker) *HealthHandler {
	return &HealthHandler{
		cfg:    cfg,
		db:     db,
		cache:  cache,
		probe:  probe,
		broker: broker,
	}
}

// Health 健康檢查
// 任一依賴異常時回報 degraded，接收端仍持續收信
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := gin.H{
		"status":  "healthy",
		"version": "1.0.0",
		"services": gin.H{
			"postgresql":  "ok",
			"keydb":       "ok",
			"outbound":    "ok",
			"credentials": "ok",
		},
	}

	// 檢查 PostgreSQL
	if h.db == nil {
		response["services"].(gin.H)["postgresql"] = "unavailable"
		response["status"] = "degraded"
	} else if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		response["services"].(gin.H)["postgresql"] = "error"
		response["status"] = "degraded"
	}

	// 檢查 KeyDB
	if h.cache != nil && !h.cache.Ping(ctx) {
		response["services"].(gin.H)["keydb"] = "error"
		response["status"] = "degraded"
	}

	// 檢查出站連線
	if h.probe != nil {
		if reachable, detail := h.probe.Status(); !reachable {
			response["services"].(gin.H)["outbound"] = detail
			response["status"] = "degraded"
		}
	}

	// 檢查投遞流程的憑證
	flow := auth.ParseFlow(h.cfg.AuthMethod)
	if status := h.broker.Status()[flow]; !status.HasCredential {
		response["services"].(gin.H)["credentials"] = "missing: run authorization flow"
		response["status"] = "degraded"
	}

	statusCode := http.StatusOK
	if response["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
