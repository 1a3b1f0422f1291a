// internal/queue/resolve.go
// 首次投遞結果套用 - 接收階段的同步嘗試直接寫入記錄欄位

package queue

import (
	"time"

	"mail-relay/internal/config"
	"mail-relay/internal/delivery"
	"mail-relay/internal/models"
)

// Resolve 依投遞結果設定記錄的狀態欄位，不觸碰持久層
// 接收端完成首次同步投遞後呼叫，再將整筆記錄寫入佇列
func Resolve(msg *models.QueuedMessage, outcome delivery.Outcome, cfg *config.Config) {
	now := time.Now().UTC()

	switch outcome.Kind {
	case delivery.OutcomeDelivered:
		msg.Status = models.MessageStatusDelivered
		msg.AttemptCount++
		msg.ReceiptID = outcome.ReceiptID
		msg.LastError = ""
		msg.DeliveredAt = &now

	case delivery.OutcomeAuthFailure:
		msg.Status = models.MessageStatusPending
		msg.LastError = outcomeDetail(outcome)
		msg.NextAttemptAt = now.Add(NextInterval(msg.AttemptCount+1, cfg.RetryBaseInterval, cfg.RetryMaxInterval))

	case delivery.OutcomePermanentRejection:
		msg.Status = models.MessageStatusDeadLetter
		msg.AttemptCount++
		msg.LastError = outcomeDetail(outcome)

	case delivery.OutcomeTransientFailure:
		msg.AttemptCount++
		msg.LastError = outcomeDetail(outcome)
		if msg.AttemptCount >= cfg.RetryMaxAttempts {
			msg.Status = models.MessageStatusDeadLetter
		} else {
			msg.Status = models.MessageStatusPending
			msg.NextAttemptAt = now.Add(NextInterval(msg.AttemptCount, cfg.RetryBaseInterval, cfg.RetryMaxInterval))
		}
	}
}
