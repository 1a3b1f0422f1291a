// internal/api/routes/routes.go
// Gin 路由註冊

package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mail-relay/internal/api/handlers"
	"mail-relay/internal/api/middlewares"
	"mail-relay/internal/auth"
	"mail-relay/internal/config"
	"mail-relay/internal/delivery"
	"mail-relay/internal/queue"
	"mail-relay/internal/services"
)

// Dependencies 路由依賴
type Dependencies struct {
	Config *config.Config
	DB     *gorm.DB
	Store  *queue.Store
	Cache  *services.StatusCache
	Broker *auth.Broker
	Probe  *delivery.Probe
}

// RegisterRoutes 註冊所有路由
func RegisterRoutes(router *gin.Engine, deps *Dependencies) {
	// 初始化 Handlers
	healthHandler := handlers.NewHealthHandler(deps.Config, deps.DB, deps.Cache, deps.Probe, deps.Broker)
	queueHandler := handlers.NewQueueHandler(deps.Config, deps.Store, deps.Cache)
	authHandler := handlers.NewAuthHandler(deps.Config, deps.Broker)

	// 公開路由
	router.GET("/health", healthHandler.Health)

	// 瀏覽器重新導向無法附帶管理權杖，由 state 驗證阻擋偽造的回呼
	router.GET("/api/v1/auth/callback", authHandler.Callback)

	// API v1 路由群組 (需管理權杖)
	v1 := router.Group("/api/v1")
	v1.Use(middlewares.AdminAuth(deps.Config))
	{
		// 佇列查詢 API
		queueGroup := v1.Group("/queue")
		{
			queueGroup.GET("/snapshot", queueHandler.Snapshot)
			queueGroup.GET("/messages/:id", queueHandler.GetMessage)
		}

		// 授權流程 API
		authGroup := v1.Group("/auth")
		{
			authGroup.GET("/status", authHandler.Status)
			authGroup.POST("/device/begin", authHandler.DeviceBegin)
			authGroup.GET("/device/status", authHandler.DeviceStatus)
			authGroup.POST("/device/cancel", authHandler.DeviceCancel)
			authGroup.GET("/authorize", authHandler.Authorize)
			authGroup.POST("/revoke", authHandler.Revoke)
		}
	}
}
