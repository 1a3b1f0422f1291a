// internal/queue/scheduler.go
// 重試排程器 - 週期掃描到期訊息並派工投遞

package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mail-relay/internal/config"
	"mail-relay/internal/delivery"
	"mail-relay/internal/models"
	"mail-relay/internal/services"
)

// MessageStore 排程器使用的持久層操作
type MessageStore interface {
	AcquireDue(now time.Time, limit int) ([]models.QueuedMessage, error)
	MarkDelivered(id uuid.UUID, receiptID string) error
	MarkRetry(id uuid.UUID, attemptCount int, lastErr string, next time.Time) error
	MarkAuthDeferred(id uuid.UUID, lastErr string, next time.Time) error
	MarkDeadLetter(id uuid.UUID, attemptCount int, lastErr string) error
	ReloadInFlight() (int64, error)
}

// Sender 投遞端介面
type Sender interface {
	Deliver(ctx context.Context, sender string, recipients []string, raw []byte) delivery.Outcome
}

// Scheduler 重試排程器
type Scheduler struct {
	cfg      *config.Config
	store    MessageStore
	sender   Sender
	activity *services.ActivityService
	cache    *services.StatusCache
	sem      chan struct{}

	mu         sync.Mutex
	isShutdown bool
	activeJobs int
}

// NewScheduler 建立排程器
func NewScheduler(cfg *config.Config, store MessageStore, sender Sender, activity *services.ActivityService, cache *services.StatusCache) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		activity: activity,
		cache:    cache,
		sem:      make(chan struct{}, cfg.SchedulerWorkerCount),
	}
}

// Start 還原重啟前的發送中訊息後啟動掃描迴圈
func (s *Scheduler) Start(ctx context.Context) error {
	restored, err := s.store.ReloadInFlight()
	if err != nil {
		return err
	}
	if restored > 0 {
		log.Printf("[Scheduler] 還原 %d 筆重啟前發送中的訊息", restored)
	}

	go s.run(ctx)
	return nil
}

// run 週期掃描迴圈
func (s *Scheduler) run(ctx context.Context) {
	log.Printf("[Scheduler] 排程器啟動 (掃描間隔 %v, 併發上限 %d)",
		s.cfg.SchedulerSweepInterval, s.cfg.SchedulerWorkerCount)

	ticker := time.NewTicker(s.cfg.SchedulerSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep 執行單次掃描，取出到期訊息並派工
func (s *Scheduler) Sweep(ctx context.Context) {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	due, err := s.store.AcquireDue(time.Now().UTC(), s.cfg.SchedulerWorkerCount)
	if err != nil {
		log.Printf("[Scheduler] 掃描到期訊息失敗: %v", err)
		return
	}

	for i := range due {
		msg := due[i]

		s.sem <- struct{}{}
		s.mu.Lock()
		s.activeJobs++
		s.mu.Unlock()

		go func() {
			defer func() {
				s.mu.Lock()
				s.activeJobs--
				s.mu.Unlock()
				<-s.sem
			}()
			s.process(ctx, &msg)
		}()
	}
}

// process 投遞單一訊息並套用結果
func (s *Scheduler) process(ctx context.Context, msg *models.QueuedMessage) {
	log.Printf("[Scheduler] 投遞訊息 %s (第 %d 次嘗試)", msg.ID, msg.AttemptCount+1)

	outcome := s.sender.Deliver(ctx, msg.Sender, msg.Recipients, msg.RawBody)
	s.apply(ctx, msg, outcome)
}

// apply 依投遞結果更新持久層並發出事件
func (s *Scheduler) apply(ctx context.Context, msg *models.QueuedMessage, outcome delivery.Outcome) {
	id := msg.ID.String()
	detail := outcomeDetail(outcome)

	switch outcome.Kind {
	case delivery.OutcomeDelivered:
		if err := s.store.MarkDelivered(msg.ID, outcome.ReceiptID); err != nil {
			log.Printf("[Scheduler] 更新投遞結果失敗 %s: %v", id, err)
			return
		}
		log.Printf("[Scheduler] 訊息 %s 投遞成功 (回條: %s)", id, outcome.ReceiptID)
		s.cache.Mirror(ctx, id, string(models.MessageStatusDelivered), msg.AttemptCount+1, "", outcome.ReceiptID)
		s.activity.Record(&models.ActivityEvent{
			Origin:     msg.OriginIP,
			Event:      models.ActivityDelivered,
			MessageID:  id,
			Sender:     msg.Sender,
			Recipients: msg.Recipients,
			Detail:     outcome.ReceiptID,
		})

	case delivery.OutcomeAuthFailure:
		next := time.Now().UTC().Add(NextInterval(msg.AttemptCount+1, s.cfg.RetryBaseInterval, s.cfg.RetryMaxInterval))
		if err := s.store.MarkAuthDeferred(msg.ID, detail, next); err != nil {
			log.Printf("[Scheduler] 更新投遞結果失敗 %s: %v", id, err)
			return
		}
		log.Printf("[Scheduler] 訊息 %s 認證失敗，待憑證恢復後重試: %s", id, detail)
		s.cache.Mirror(ctx, id, string(models.MessageStatusPending), msg.AttemptCount, detail, "")
		s.activity.Record(&models.ActivityEvent{
			Origin:     msg.OriginIP,
			Event:      models.ActivityAuthFailure,
			MessageID:  id,
			Sender:     msg.Sender,
			Recipients: msg.Recipients,
			Detail:     detail,
		})

	case delivery.OutcomePermanentRejection:
		attempts := msg.AttemptCount + 1
		if err := s.store.MarkDeadLetter(msg.ID, attempts, detail); err != nil {
			log.Printf("[Scheduler] 更新投遞結果失敗 %s: %v", id, err)
			return
		}
		log.Printf("[Scheduler] 訊息 %s 遭提供者永久拒絕: %s", id, detail)
		s.cache.Mirror(ctx, id, string(models.MessageStatusDeadLetter), attempts, detail, "")
		s.activity.Record(&models.ActivityEvent{
			Origin:     msg.OriginIP,
			Event:      models.ActivityDeadLetter,
			MessageID:  id,
			Sender:     msg.Sender,
			Recipients: msg.Recipients,
			Detail:     detail,
		})

	case delivery.OutcomeTransientFailure:
		attempts := msg.AttemptCount + 1
		if attempts >= s.cfg.RetryMaxAttempts {
			if err := s.store.MarkDeadLetter(msg.ID, attempts, detail); err != nil {
				log.Printf("[Scheduler] 更新投遞結果失敗 %s: %v", id, err)
				return
			}
			log.Printf("[Scheduler] 訊息 %s 已達重試上限 (%d 次)，移入死信", id, attempts)
			s.cache.Mirror(ctx, id, string(models.MessageStatusDeadLetter), attempts, detail, "")
			s.activity.Record(&models.ActivityEvent{
				Origin:     msg.OriginIP,
				Event:      models.ActivityDeadLetter,
				MessageID:  id,
				Sender:     msg.Sender,
				Recipients: msg.Recipients,
				Detail:     detail,
			})
			return
		}

		next := time.Now().UTC().Add(NextInterval(attempts, s.cfg.RetryBaseInterval, s.cfg.RetryMaxInterval))
		if err := s.store.MarkRetry(msg.ID, attempts, detail, next); err != nil {
			log.Printf("[Scheduler] 更新投遞結果失敗 %s: %v", id, err)
			return
		}
		log.Printf("[Scheduler] 訊息 %s 暫時性失敗，%v 後重試 (第 %d 次): %s",
			id, time.Until(next).Round(time.Second), attempts, detail)
		s.cache.Mirror(ctx, id, string(models.MessageStatusPending), attempts, detail, "")
	}
}

// GracefulShutdown 停止派工並等待進行中的投遞完成
func (s *Scheduler) GracefulShutdown() {
	log.Println("[Scheduler] 開始優雅關機...")

	s.mu.Lock()
	s.isShutdown = true
	s.mu.Unlock()

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			log.Println("[Scheduler] 等待投遞逾時，強制結束")
			return
		case <-ticker.C:
			s.mu.Lock()
			active := s.activeJobs
			s.mu.Unlock()
			if active == 0 {
				log.Println("[Scheduler] 所有進行中的投遞已完成")
				return
			}
		}
	}
}

// outcomeDetail 取出結果的錯誤描述
func outcomeDetail(outcome delivery.Outcome) string {
	if outcome.Err != nil {
		return outcome.Err.Error()
	}
	return ""
}
