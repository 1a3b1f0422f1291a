// cmd/relay/main.go
// Mail Relay 入口程式
// 接收內部應用的 SMTP 郵件，正規化後以 OAuth 2.0 認證轉送到雲端供應商

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mail-relay/internal/api/routes"
	"mail-relay/internal/auth"
	"mail-relay/internal/config"
	"mail-relay/internal/delivery"
	"mail-relay/internal/queue"
	"mail-relay/internal/services"
	"mail-relay/internal/smtp"
)

func main() {
	log.Println("========================================")
	log.Println("           Mail Relay Gateway")
	log.Println("========================================")
	log.Println("啟動郵件轉送服務...")

	// 載入設定
	cfg := config.Load()

	// 初始化憑證加密與儲存
	enc, err := auth.NewEncryptionService(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("無法初始化憑證加密: %v", err)
	}
	credStore := auth.NewStore(cfg.CredentialStorePath, enc)

	// 初始化憑證代理
	broker := auth.NewBroker(cfg, credStore)
	flow := auth.ParseFlow(cfg.AuthMethod)
	log.Printf("[Auth] 投遞流程使用 %s 憑證", flow)

	// 初始化資料庫與佇列儲存
	// 連線失敗不中止服務：進入降級模式，投遞結果直接回覆提交端
	db, store := initQueueStore(cfg)

	// 初始化 KeyDB 狀態快取（失效不影響郵件流程）
	cache, err := services.NewStatusCache(cfg)
	if err != nil {
		log.Printf("無法連接 KeyDB，狀態快取停用: %v", err)
		cache = nil
	} else {
		defer cache.Close()
		log.Println("KeyDB 連接成功")
	}

	// 初始化 RabbitMQ 活動記錄（失效不影響郵件流程）
	activity, err := services.NewActivityService(cfg)
	if err != nil {
		log.Printf("無法連接 RabbitMQ，活動記錄停用: %v", err)
		activity = nil
	} else {
		defer activity.Close()
		log.Println("RabbitMQ 連接成功")
	}

	// 初始化投遞傳輸與連線檢查
	transport := delivery.NewTransport(cfg, broker.ForFlow(flow))
	probe := delivery.NewProbe(transport, cfg.ProbeInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go probe.Run(ctx)

	// 啟動重試排程器
	var scheduler *queue.Scheduler
	if store != nil {
		scheduler = queue.NewScheduler(cfg, store, transport, activity, cache)
		if err := scheduler.Start(ctx); err != nil {
			log.Printf("[Scheduler] 啟動失敗，重試排程停用: %v", err)
			scheduler = nil
		}
	} else {
		log.Println("[Scheduler] 佇列儲存不可用，重試排程停用")
	}

	// 建立 SMTP 伺服器
	backend := smtp.NewBackend(cfg, store, transport, activity, cache)
	smtpServer := smtp.NewServer(cfg, backend)

	go func() {
		if err := smtpServer.Start(); err != nil {
			log.Fatalf("SMTP 伺服器錯誤: %v", err)
		}
	}()

	// 建立管理 API
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	routes.RegisterRoutes(router, &routes.Dependencies{
		Config: cfg,
		DB:     db,
		Store:  store,
		Cache:  cache,
		Broker: broker,
		Probe:  probe,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		log.Printf("[API] 管理介面監聽埠號: %s", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("無法啟動管理介面: %v", err)
		}
	}()

	log.Println("========================================")
	log.Printf("SMTP 接收埠號: %s (STARTTLS) / %s (TLS)", cfg.SMTPInboundPort, cfg.SMTPInboundTLSPort)
	log.Printf("出站供應商: %s:%s", cfg.OutboundHost, cfg.OutboundPort)
	log.Println("按 Ctrl+C 停止服務")
	log.Println("========================================")

	// 等待中斷信號
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在關閉郵件轉送服務...")

	// 停止接收新郵件
	if err := smtpServer.Shutdown(); err != nil {
		log.Printf("關閉 SMTP 伺服器時發生錯誤: %v", err)
	}

	// 停止排程與連線檢查，等待進行中的投遞完成
	cancel()
	if scheduler != nil {
		scheduler.GracefulShutdown()
	}

	// 關閉管理介面
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("關閉管理介面時發生錯誤: %v", err)
	}

	log.Println("郵件轉送服務已停止")
}

// initQueueStore 初始化資料庫連線與佇列儲存
// 失敗時回傳 nil，服務以降級模式啟動
func initQueueStore(cfg *config.Config) (*gorm.DB, *queue.Store) {
	gormLogger := logger.Default
	if cfg.Env == "production" {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		log.Printf("無法連接資料庫，進入降級模式: %v", err)
		return nil, nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("無法取得資料庫連線，進入降級模式: %v", err)
		return nil, nil
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	store := queue.NewStore(db)
	if err := store.Migrate(); err != nil {
		log.Printf("資料庫遷移失敗，進入降級模式: %v", err)
		return nil, nil
	}

	log.Println("資料庫連接成功")
	return db, store
}
