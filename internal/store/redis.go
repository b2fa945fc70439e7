package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"roomattend/internal/metrics"
)

// Redis wraps the client carrying the frame queue.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// Backlog returns how many frames wait on the list at key.
func (r *Redis) Backlog(ctx context.Context, key string) (int64, error) {
	return r.Client.LLen(ctx, key).Result()
}

// QueueCheck reports healthy while the backlog at key stays under limit. Each
// call samples the backlog gauge.
func (r *Redis) QueueCheck(key string, limit int64) func(context.Context) bool {
	return func(ctx context.Context) bool {
		n, err := r.Backlog(ctx, key)
		if err != nil {
			return false
		}
		metrics.QueueBacklog.Set(float64(n))
		return n < limit
	}
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
