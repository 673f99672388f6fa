// Package execlock guards idempotent, at-most-once action execution with a
// two-tier lock: an in-process set of active lock ids, then a Postgres
// advisory lock so duplicates are suppressed across processes as well.
// Duplicate acquisition is routine, not an error: it returns a nil handle
// and increments a suppression counter.
package execlock

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/wardenhq/warden/internal/log"
)

// AdvisoryKey derives the deterministic 64-bit advisory-lock key for a lock
// id. Every process must derive the same key for the same id.
func AdvisoryKey(lockID string) int64 {
	sum := blake3.Sum256([]byte(lockID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Manager owns the process-wide active lock set. A nil db disables the
// distributed tier; the process tier still applies.
type Manager struct {
	mu     sync.Mutex
	active map[string]struct{}

	db         *sql.DB
	suppressed atomic.Int64
}

// NewManager creates a Manager. db may be nil when no coordination backend
// is connected.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		active: make(map[string]struct{}),
		db:     db,
	}
}

// Handle is a live acquisition. Release is idempotent and safe to defer.
// At most one live Handle exists per lock id process-wide.
type Handle struct {
	lockID      string
	distributed bool

	mgr  *Manager
	conn *sql.Conn
	key  int64

	mu       sync.Mutex
	released bool
}

// LockID returns the logical lock id this handle holds.
func (h *Handle) LockID() string { return h.lockID }

// Distributed reports whether the advisory tier is held too.
func (h *Handle) Distributed() bool { return h.distributed }

// Acquire takes both lock tiers for lockID. A (nil, nil) return means a
// duplicate was suppressed, in this process or by another holder of the
// advisory lock. Errors mean the coordination backend misbehaved; that is
// never conflated with contention.
func (m *Manager) Acquire(ctx context.Context, lockID string) (*Handle, error) {
	if lockID == "" {
		return nil, fmt.Errorf("lock id is empty")
	}

	m.mu.Lock()
	if _, held := m.active[lockID]; held {
		m.mu.Unlock()
		m.suppressed.Add(1)
		log.WithLockID(lockID).Debug("duplicate suppressed in-process")
		return nil, nil
	}
	m.active[lockID] = struct{}{}
	m.mu.Unlock()

	h := &Handle{lockID: lockID, mgr: m}
	if m.db == nil {
		return h, nil
	}

	// Advisory locks are session-scoped, so the handle pins one pooled
	// connection for its lifetime; unlock must hit the same session.
	conn, err := m.db.Conn(ctx)
	if err != nil {
		m.removeActive(lockID)
		return nil, fmt.Errorf("advisory lock connection: %w", err)
	}

	key := AdvisoryKey(lockID)
	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		_ = conn.Close()
		m.removeActive(lockID)
		return nil, fmt.Errorf("try advisory lock %q: %w", lockID, err)
	}
	if !got {
		_ = conn.Close()
		m.removeActive(lockID)
		m.suppressed.Add(1)
		log.WithLockID(lockID).Debug("duplicate suppressed cross-process")
		return nil, nil
	}

	h.conn = conn
	h.key = key
	h.distributed = true
	return h, nil
}

// Run acquires lockID, runs fn, and releases in a guaranteed cleanup path.
// ran is false when the action was suppressed as a duplicate.
func (m *Manager) Run(ctx context.Context, lockID string, fn func(ctx context.Context) error) (ran bool, err error) {
	h, err := m.Acquire(ctx, lockID)
	if err != nil {
		return false, err
	}
	if h == nil {
		return false, nil
	}
	defer func() {
		// Release even when ctx was cancelled mid-action.
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.WithLockID(lockID).Error("execution lock release failed", "error", rerr)
		}
	}()
	return true, fn(ctx)
}

// SuppressedDuplicates returns how many acquisitions were suppressed.
func (m *Manager) SuppressedDuplicates() int64 {
	return m.suppressed.Load()
}

// Release frees both tiers in reverse order of acquisition: advisory lock
// first, then the process reservation. Calling it again is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	var err error
	if h.conn != nil {
		var unlocked bool
		if qerr := h.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", h.key).Scan(&unlocked); qerr != nil {
			err = fmt.Errorf("advisory unlock %q: %w", h.lockID, qerr)
		} else if !unlocked {
			err = fmt.Errorf("advisory unlock %q: lock was not held by this session", h.lockID)
		}
		if cerr := h.conn.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close advisory lock connection: %w", cerr)
		}
		h.conn = nil
	}

	h.mgr.removeActive(h.lockID)
	return err
}

func (m *Manager) removeActive(lockID string) {
	m.mu.Lock()
	delete(m.active, lockID)
	m.mu.Unlock()
}
