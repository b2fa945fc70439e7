package httpmiddleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"roomattend/internal/auth"
)

// SimpleTokenBucket is an in-memory per-key rate limiter.
type SimpleTokenBucket struct {
	capacity  float64
	perSecond float64
	mu        sync.Mutex
	state     map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// KeyFunc picks the identity a request is limited under.
type KeyFunc func(c *gin.Context) string

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity:  float64(capacity),
		perSecond: float64(perMinute) / 60,
		state:     make(map[string]*bucket),
		now:       time.Now,
	}
}

// ClientIP limits by remote address.
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// DeviceOrIP limits authenticated cameras by device id, so cameras behind
// one NAT do not share a budget. Unauthenticated requests fall back to IP.
func DeviceOrIP(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return "device:" + claims.Subject
	}
	return ClientIP(c)
}

// GinMiddleware returns gin handler enforcing limits per key; nil keys by IP.
func (l *SimpleTokenBucket) GinMiddleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		ok, wait := l.allow(key(c))
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// allow takes one token for key. When the bucket is empty it reports how long
// until the next token.
func (l *SimpleTokenBucket) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)

	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true, 0
	}
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed.Seconds()*l.perSecond)
		b.last = now
	}
	if b.tokens < 1 {
		if l.perSecond <= 0 {
			return false, time.Minute
		}
		return false, time.Duration((1 - b.tokens) / l.perSecond * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

// prune drops buckets idle long enough to have refilled completely; a new
// bucket for the same key starts full, so nothing is lost.
func (l *SimpleTokenBucket) prune(now time.Time) {
	if l.perSecond <= 0 || now.Sub(l.lastPrune) < time.Minute {
		return
	}
	l.lastPrune = now
	full := time.Duration(l.capacity / l.perSecond * float64(time.Second))
	for key, b := range l.state {
		if now.Sub(b.last) > full {
			delete(l.state, key)
		}
	}
}
