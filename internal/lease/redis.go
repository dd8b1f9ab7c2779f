package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"tracerun/pkg/domain"
)

var acquireDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "tracerun_lease_acquire_duration_ms",
	Help:    "Latency of run lease acquire attempts in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
})

// DefaultKeyPrefix namespaces lease keys when no prefix is configured.
const DefaultKeyPrefix = "tracerun:lease:run:"

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if tonumber(ARGV[2]) > 0 then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return redis.call("PERSIST", KEYS[1]) + 1
end
return 0
`)
)

// Redis is a Store shared by every engine process. Expiry is enforced by
// Redis key TTLs; ownership checks run as Lua scripts so they are atomic.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a Redis lease store.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces lease keys so deployments can share one Redis.
// An empty prefix keeps the default.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Redis) leaseKey(runID domain.RunID) string {
	return r.prefix + runID.String()
}

// Acquire uses SET NX PX. A ttl <= 0 sets a key without expiry.
func (r *Redis) Acquire(ctx context.Context, runID domain.RunID, owner string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		acquireDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, r.leaseKey(runID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, runID domain.RunID, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(runID)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Renew(ctx context.Context, runID domain.RunID, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{r.leaseKey(runID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n >= 1, nil
}

func (r *Redis) Holder(ctx context.Context, runID domain.RunID) (string, error) {
	owner, err := r.client.Get(ctx, r.leaseKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease: %w", err)
	}
	return owner, nil
}
