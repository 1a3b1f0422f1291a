// internal/services/activity_service.go
// RabbitMQ 活動記錄服務 - 依來源記錄郵件生命週期事件

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mail-relay/internal/config"
	"mail-relay/internal/models"
)

// ActivityService RabbitMQ 活動記錄服務
// 每個郵件生命週期事件發布一筆持久化訊息，供外部稽核系統消費
type ActivityService struct {
	cfg     *config.Config
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
}

// NewActivityService 建立活動記錄服務
func NewActivityService(cfg *config.Config) (*ActivityService, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	svc := &ActivityService{
		cfg:     cfg,
		conn:    conn,
		channel: channel,
	}

	if err := svc.declareQueues(); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return svc, nil
}

// declareQueues 宣告活動隊列與死信設定
func (s *ActivityService) declareQueues() error {
	// 宣告死信交換器
	if err := s.channel.ExchangeDeclare(
		"dlx",    // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		return fmt.Errorf("failed to declare DLX: %w", err)
	}

	// 宣告活動隊列
	_, err := s.channel.QueueDeclare(
		s.cfg.ActivityQueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": "dlx",
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare activity queue: %w", err)
	}

	// 宣告無法消費的活動事件存放隊列
	deadQueue := s.cfg.ActivityQueueName + "-dead"
	_, err = s.channel.QueueDeclare(
		deadQueue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead activity queue: %w", err)
	}

	// 綁定到 DLX
	if err := s.channel.QueueBind(
		deadQueue,
		"",
		"dlx",
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind dead activity queue: %w", err)
	}

	log.Println("RabbitMQ queues declared successfully")
	return nil
}

// PublishEvent 發布活動事件
func (s *ActivityService) PublishEvent(event *models.ActivityEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return s.channel.PublishWithContext(
		context.Background(),
		"",                      // exchange
		s.cfg.ActivityQueueName, // routing key
		false,                   // mandatory
		false,                   // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	)
}

// Record 盡力發布事件，失敗時僅記錄不影響郵件流程
func (s *ActivityService) Record(event *models.ActivityEvent) {
	if s == nil {
		return
	}
	if err := s.PublishEvent(event); err != nil {
		log.Printf("[Activity] 發布活動事件失敗: %v", err)
	}
}

// Close 關閉連接
func (s *ActivityService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
