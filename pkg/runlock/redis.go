package runlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paulschiretz/pgl-dump/pkg/plog"
)

const (
	defaultRedisURL  = "redis://localhost:6379"
	defaultKeyPrefix = "pgl-dump:lock:"
	defaultTTL       = 30 * time.Second
)

// Compare-and-act scripts keep a run from touching a lock it no longer owns.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLocker holds locks as keys with an owner value and a TTL that a
// background goroutine keeps extending while the run is alive.
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
	// TTL is how long a lock survives a crashed holder.
	TTL time.Duration
}

// NewRedisLocker connects to url and checks the connection.
func NewRedisLocker(ctx context.Context, url, keyPrefix string) (*RedisLocker, error) {
	if url == "" {
		url = defaultRedisURL
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisLocker{client: client, keyPrefix: keyPrefix, TTL: defaultTTL}, nil
}

// Close shuts down the client.
func (l *RedisLocker) Close() error { return l.client.Close() }

func (l *RedisLocker) key(trigger string) string { return l.keyPrefix + trigger }

func (l *RedisLocker) Acquire(ctx context.Context, trigger, owner string) (Release, error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	key := l.key(trigger)

	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock: %w", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, key).Result()
		return nil, fmt.Errorf("%w: trigger %q is locked by run %s", ErrHeld, trigger, holder)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				n, err := renewScript.Run(renewCtx, l.client, []string{key}, owner, ttl.Milliseconds()).Int()
				if err != nil && renewCtx.Err() == nil {
					plog.Warn("Failed to renew run lock", "trigger", trigger, "error", err)
				} else if err == nil && n == 0 {
					plog.Warn("Run lock was lost", "trigger", trigger)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, owner).Err(); err != nil {
				plog.Warn("Failed to release run lock", "trigger", trigger, "error", err)
			}
		})
	}, nil
}

var _ Locker = (*RedisLocker)(nil)
