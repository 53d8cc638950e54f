package chattest

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// limiterSet 按 IP+路由保存令牌桶，闲置超过 ttl 的条目在下一次取用时清理。
type limiterSet struct {
	mu  sync.Mutex
	m   map[string]*keyLimiter
	r   rate.Limit
	b   int
	ttl time.Duration
}

func newLimiterSet(r rate.Limit, burst int, ttl time.Duration) *limiterSet {
	return &limiterSet{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl}
}

func (ls *limiterSet) get(key string) *rate.Limiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	now := time.Now()
	for k, v := range ls.m {
		if now.Sub(v.ts) > ls.ttl {
			delete(ls.m, k)
		}
	}
	kl, ok := ls.m[key]
	if ok {
		kl.ts = now
		return kl.lim
	}
	lim := rate.NewLimiter(ls.r, ls.b)
	ls.m[key] = &keyLimiter{lim: lim, ts: now}
	return lim
}

// rateLimit 超限时按 DRF 的格式返回 429。
func rateLimit(ls *limiterSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientIP(c.Request.RemoteAddr) + "|" + c.FullPath()
		if !ls.get(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"detail": "Request was throttled."})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
