package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cleared-dev/marketledger/internal/logging"
)

// maxTries caps the attempts per key, as redsync retries without bound otherwise.
const maxTries = 1000

// RedisOptions tunes RedisLocker.
type RedisOptions struct {
	Prefix     string        // key namespace, default "marketledger:lock"
	TTL        time.Duration // expiry of each key, extended while held; default 10s
	RetryDelay time.Duration // wait between attempts while contended, default 25ms
	Tries      int           // attempts per key before giving up, default 400
	Logger     *logging.Logger
}

// RedisLocker is a Locker shared by every process talking to one Redis.
// Keys are redsync mutexes; a held set is extended every TTL/3 until
// released, so a slow holder keeps its keys while a crashed one loses them
// after TTL.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts RedisOptions
	log  *logging.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker wraps client with defaults applied to opts.
func NewRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	opts.Prefix = strings.TrimSuffix(strings.TrimSpace(opts.Prefix), ":")
	if opts.Prefix == "" {
		opts.Prefix = "marketledger:lock"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 25 * time.Millisecond
	}
	if opts.Tries <= 0 {
		opts.Tries = 400
	}
	opts.Tries = min(opts.Tries, maxTries)
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
		log:  logging.OrGlobal(opts.Logger).Named("lock"),
	}
}

func (l *RedisLocker) redisKey(key string) string {
	return l.opts.Prefix + ":" + key
}

// Lock acquires every key in sorted order, retrying each up to Tries times.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]*redsync.Mutex, 0, len(keys))

	for _, key := range keys {
		m := l.rs.NewMutex(l.redisKey(key),
			redsync.WithExpiry(l.opts.TTL),
			redsync.WithTries(l.opts.Tries),
			redsync.WithRetryDelay(l.opts.RetryDelay),
		)
		if err := m.LockContext(ctx); err != nil {
			l.unlock(held)
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		held = append(held, m)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(held, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.unlock(held)
		})
	}, nil
}

// keepAlive extends held every TTL/3 until stop is closed.
func (l *RedisLocker) keepAlive(held []*redsync.Mutex, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.opts.TTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, m := range held {
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ok, err := m.ExtendContext(ctx)
				cancel()
				if err != nil || !ok {
					l.log.Warn("extending lock failed", zap.String("key", m.Name()), zap.Error(err))
				}
			}
		}
	}
}

// unlock releases held in reverse order with a fresh context, so a cancelled
// caller still frees its keys.
func (l *RedisLocker) unlock(held []*redsync.Mutex) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.TTL)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if ok, err := held[i].UnlockContext(ctx); err != nil || !ok {
			l.log.Warn("releasing lock failed", zap.String("key", held[i].Name()), zap.Error(err))
		}
	}
}
