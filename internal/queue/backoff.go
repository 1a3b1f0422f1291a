// internal/queue/backoff.go
// 重試間隔計算 - 指數退避加上抖動，封頂於設定的最大間隔

package queue

import (
	"math/rand"
	"time"
)

// NextInterval 計算第 attempt 次嘗試失敗後的等待間隔
// 間隔自基礎值起指數成長，加上最多八分之一的正向抖動，
// 永不超過最大間隔
func NextInterval(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	// 位移過大會溢位，直接視為封頂
	if shift > 32 {
		return max
	}

	interval := base << uint(shift)
	if interval <= 0 || interval >= max {
		return max
	}

	jitter := time.Duration(rand.Int63n(int64(interval)/8 + 1))
	if interval+jitter > max {
		return max
	}
	return interval + jitter
}
