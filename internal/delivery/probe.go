// internal/delivery/probe.go
// 出站連線檢查 - 啟動時驗證能否連上提供者，失敗不中止程序

package delivery

import (
	"context"
	"log"
	"sync"
	"time"
)

// Probe 連線檢查器
// 檢查只驗證連線與 TLS 升級，不消耗認證權杖
type Probe struct {
	transport *Transport
	interval  time.Duration

	mu        sync.Mutex
	reachable bool
	attempts  int
	lastErr   error
	lastCheck time.Time
}

// NewProbe 建立連線檢查器
func NewProbe(transport *Transport, interval time.Duration) *Probe {
	return &Probe{transport: transport, interval: interval}
}

// Run 以固定間隔重試連線檢查，直到成功或 ctx 取消
// 失敗只記錄狀態，已接收的郵件繼續排入佇列等待重試
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Check(ctx); err == nil {
			log.Printf("[Probe] 出站連線檢查成功: %s", p.transport.addr)
			return
		} else if ctx.Err() != nil {
			return
		} else {
			log.Printf("[Probe] 出站連線檢查失敗 (將於 %v 後重試): %v", p.interval, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check 執行單次連線檢查並記錄結果
func (p *Probe) Check(ctx context.Context) error {
	err := p.dialOnce(ctx)

	p.mu.Lock()
	p.attempts++
	p.reachable = err == nil
	p.lastErr = err
	p.lastCheck = time.Now()
	p.mu.Unlock()

	return err
}

// Status 回傳最近一次檢查的結果，供健康檢查端點使用
func (p *Probe) Status() (reachable bool, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastCheck.IsZero() {
		return false, "not yet checked"
	}
	if p.reachable {
		return true, "reachable"
	}
	return false, p.lastErr.Error()
}

// dialOnce 連線、升級 TLS 後即離線
func (p *Probe) dialOnce(ctx context.Context) error {
	t := p.transport

	client, err := Dial(ctx, t.addr, t.cfg.SMTPDomain, t.cfg.OutboundTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.StartTLS(t.tlsCfg); err != nil {
		return err
	}

	return client.Quit()
}
