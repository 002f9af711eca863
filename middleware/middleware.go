package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"dagbft/types"
)

// HeaderNodeID 对端自报身份的请求头
// 发送端每个请求都带；限流按它记账，共识入口再和消息签名者对账
const HeaderNodeID = "X-Node-Id"

// Throttler 查询某对端是否被本地降权（由共识层的信誉统计实现）
type Throttler interface {
	Throttled(id types.NodeID) bool
}

// RateLimiter 按来源限流的中间件
// 固定窗口计数：普通来源每秒 limit 次，被降权的对端只给
// limit 的 throttledPct%。来源身份取请求头 X-Node-Id，
// 没带就按 IP 算
type RateLimiter struct {
	mu        sync.Mutex
	counts    map[string]int
	lastReset map[string]time.Time

	limit        int
	burst        int
	throttledPct int
	window       time.Duration
	throttler    Throttler
}

func NewRateLimiter(limit, burst, throttledPct int, throttler Throttler) *RateLimiter {
	if limit <= 0 {
		limit = 200
	}
	if burst < limit {
		burst = limit
	}
	return &RateLimiter{
		counts:       make(map[string]int),
		lastReset:    make(map[string]time.Time),
		limit:        limit,
		burst:        burst,
		throttledPct: throttledPct,
		window:       time.Second,
		throttler:    throttler,
	}
}

// Wrap 包一层限流
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := r.Header.Get(HeaderNodeID)
		if source == "" {
			source = strings.Split(r.RemoteAddr, ":")[0]
		}

		quota := rl.burst
		if rl.throttler != nil && rl.throttler.Throttled(types.NodeID(source)) {
			quota = rl.limit * rl.throttledPct / 100
			if quota < 1 {
				quota = 1
			}
		}

		rl.mu.Lock()
		now := time.Now()
		if last, ok := rl.lastReset[source]; !ok || now.Sub(last) > rl.window {
			rl.counts[source] = 0
			rl.lastReset[source] = now
		}
		rl.counts[source]++
		over := rl.counts[source] > quota
		rl.mu.Unlock()

		if over {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup 定时清理不活跃来源的计数记录
func (rl *RateLimiter) StartCleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rl.mu.Lock()
				now := time.Now()
				for src, last := range rl.lastReset {
					if now.Sub(last) > 2*rl.window {
						delete(rl.lastReset, src)
						delete(rl.counts, src)
					}
				}
				rl.mu.Unlock()
			}
		}
	}()
}
