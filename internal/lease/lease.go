// Package lease implements a named distributed lock with heartbeat-based
// TTL renewal over a Redis-style backend. Acquisition is a single atomic
// SET NX with a per-instance owner token; extension and release are
// owner-checked Lua scripts so an instance can never extend or delete a
// lock it no longer owns. If a heartbeat finds the lock stolen or gone,
// the lease marks itself released and signals loss through the Lost
// channel and the optional callback: the critical section is no longer
// protected and must stop mutating shared state.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wardenhq/warden/internal/log"
)

// ErrLeaseHeld reports acquisition contention: another owner holds the
// lease. Routine, distinct from backend errors.
var ErrLeaseHeld = errors.New("lease already held")

// Owner-conditional delete: remove the key only when its value is still
// this instance's token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end`

// Owner-conditional TTL extension for the heartbeat.
const extendScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end`

// Client is the slice of redis capability the lease needs. *redis.Client
// and the other go-redis universal clients satisfy it.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

const (
	defaultTTL    = 30 * time.Second
	defaultPrefix = "warden:lease:"
	// opTimeout bounds each backend round-trip (heartbeat, release).
	opTimeout = 2 * time.Second
)

// Options configures a Lease.
type Options struct {
	// TTL is the lease lifetime granted per acquisition/extension.
	// Defaults to 30s.
	TTL time.Duration

	// Heartbeat is the extension interval. Defaults to TTL/3.
	Heartbeat time.Duration

	// OnLockLost is invoked (from the heartbeat goroutine) when ownership
	// is lost. The Lost channel closes regardless.
	OnLockLost func(key string)

	// Prefix namespaces lease keys. Defaults to "warden:lease:".
	Prefix string
}

// Lease is a single named lock instance. Released exactly once.
type Lease struct {
	client  Client
	key     string
	ownerID string
	ttl     time.Duration
	beat    time.Duration
	onLost  func(string)
	logger  *slog.Logger

	mu       sync.Mutex
	released bool
	acquired bool
	stop     chan struct{}
	lost     chan struct{}
	wg       sync.WaitGroup
}

// New creates a lease for name. Each Lease instance has its own random
// owner token; instances are not reusable after Release.
func New(client Client, name string, opts Options) *Lease {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = opts.TTL / 3
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	return &Lease{
		client:  client,
		key:     opts.Prefix + name,
		ownerID: uuid.NewString(),
		ttl:     opts.TTL,
		beat:    opts.Heartbeat,
		onLost:  opts.OnLockLost,
		logger:  log.WithComponent("lease").With("key", opts.Prefix+name),
		stop:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
}

// Key returns the namespaced backend key.
func (l *Lease) Key() string { return l.key }

// Lost is closed when the heartbeat discovers the lease is no longer owned.
// Callers select on it (or watch the derived context in WithLock) to learn
// their critical section lost protection.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Acquire takes the lease. Contention returns ErrLeaseHeld; backend
// failures return a distinct wrapped error. On success a background
// heartbeat keeps the TTL alive until Release.
func (l *Lease) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.acquired || l.released {
		l.mu.Unlock()
		return fmt.Errorf("lease %q: already used", l.key)
	}
	l.mu.Unlock()

	ok, err := l.client.SetNX(ctx, l.key, l.ownerID, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease %q: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("acquire lease %q: %w", l.key, ErrLeaseHeld)
	}

	l.mu.Lock()
	l.acquired = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.heartbeat()
	return nil
}

func (l *Lease) heartbeat() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.beat)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.extend() {
				return
			}
		}
	}
}

// extend renews the TTL if this instance still owns the lease. Returns
// false when ownership is gone and loss has been signalled.
func (l *Lease) extend() bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.ownerID, l.ttl.Milliseconds()).Result()
	if err != nil {
		l.logger.Error("lease heartbeat failed", "error", err)
		l.markLost()
		return false
	}
	if n, _ := res.(int64); n == 0 {
		l.logger.Warn("lease ownership lost")
		l.markLost()
		return false
	}
	return true
}

func (l *Lease) markLost() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	close(l.lost)
	l.mu.Unlock()

	if l.onLost != nil {
		l.onLost(l.key)
	}
}

// Release deletes the lease if still owned and stops the heartbeat.
// Subsequent calls, and calls after the heartbeat reported loss, are
// no-ops.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released || !l.acquired {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	close(l.stop)
	l.mu.Unlock()
	l.wg.Wait()

	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.ownerID).Result()
	if err != nil {
		return fmt.Errorf("release lease %q: %w", l.key, err)
	}
	if n, _ := res.(int64); n == 0 {
		// Expired and taken by someone else between the last heartbeat
		// and now; the conditional delete correctly refused.
		l.logger.Warn("release found lease no longer owned")
	}
	return nil
}

// WithLock acquires name, runs fn with a context that is cancelled if the
// lease is lost mid-flight, then releases. Release-time errors are logged,
// never masked into fn's result.
func WithLock(ctx context.Context, client Client, name string, opts Options, fn func(ctx context.Context) error) error {
	l := New(client, name, opts)
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.Lost():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := fn(runCtx)
	if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil {
		l.logger.Error("lease release failed", "error", rerr)
	}
	return err
}
