package execlock

import (
	"context"
	"sync"
	"testing"
)

func TestAcquireSuppressesDuplicate(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "x")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if h1 == nil {
		t.Fatal("first acquire returned nil handle")
	}

	h2, err := m.Acquire(ctx, "x")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if h2 != nil {
		t.Fatal("second acquire should be suppressed while first is held")
	}
	if got := m.SuppressedDuplicates(); got != 1 {
		t.Errorf("suppressed count = %d, want 1", got)
	}

	if err := h1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	h3, err := m.Acquire(ctx, "x")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if h3 == nil {
		t.Fatal("acquire after release should succeed")
	}
	_ = h3.Release(ctx)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "y")
	if err != nil || h == nil {
		t.Fatalf("acquire: handle=%v err=%v", h, err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}

	var nilHandle *Handle
	if err := nilHandle.Release(ctx); err != nil {
		t.Errorf("nil handle release should be a no-op, got %v", err)
	}
}

func TestDistinctLockIDsDoNotContend(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	h1, _ := m.Acquire(ctx, "a")
	h2, err := m.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if h1 == nil || h2 == nil {
		t.Fatal("independent lock ids should both acquire")
	}
	_ = h1.Release(ctx)
	_ = h2.Release(ctx)
}

func TestRunSuppressedDuplicate(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	h, _ := m.Acquire(ctx, "job-1")
	defer h.Release(ctx)

	called := false
	ran, err := m.Run(ctx, "job-1", func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran || called {
		t.Error("duplicate Run should not execute fn")
	}
}

func TestRunReleasesAfterFn(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	ran, err := m.Run(ctx, "job-2", func(context.Context) error { return nil })
	if err != nil || !ran {
		t.Fatalf("Run: ran=%v err=%v", ran, err)
	}

	// The lock must be free again immediately after Run returns.
	h, err := m.Acquire(ctx, "job-2")
	if err != nil || h == nil {
		t.Fatalf("lock still held after Run: handle=%v err=%v", h, err)
	}
	_ = h.Release(ctx)
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan *Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(ctx, "contended")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if h != nil {
				wins <- h
			}
		}()
	}
	wg.Wait()
	close(wins)

	var handles []*Handle
	for h := range wins {
		handles = append(handles, h)
	}
	if len(handles) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(handles))
	}
	_ = handles[0].Release(ctx)

	if got := m.SuppressedDuplicates(); got != n-1 {
		t.Errorf("suppressed = %d, want %d", got, n-1)
	}
}

func TestAdvisoryKeyDeterministic(t *testing.T) {
	a := AdvisoryKey("send-alert-42")
	b := AdvisoryKey("send-alert-42")
	if a != b {
		t.Fatalf("key not deterministic: %d vs %d", a, b)
	}
	if AdvisoryKey("send-alert-43") == a {
		t.Error("distinct lock ids produced the same advisory key")
	}
}

func TestAcquireEmptyLockID(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Acquire(context.Background(), ""); err == nil {
		t.Error("empty lock id should error")
	}
}
