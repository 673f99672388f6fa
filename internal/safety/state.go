// Package safety owns the process-wide runtime safety state: the current
// trust level, raised unsafe-condition flags, and quarantine records.
// The state is an owned instance injected into collaborators, never a
// package-level global, so tests can run isolated copies.
package safety

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/log"
)

// TrustLevel classifies how much of the system may keep acting.
type TrustLevel string

const (
	TrustFull     TrustLevel = "full"
	TrustDegraded TrustLevel = "degraded"
	TrustUnsafe   TrustLevel = "unsafe"
)

// QuarantineRecord marks a protected resource as untrusted. Records are
// immutable once written; clearing one requires an explicit operator action
// when RequireOperatorRelease is set.
type QuarantineRecord struct {
	QuarantineID           string
	Kind                   string
	Reason                 string
	IntegrityFailure       bool
	AutoRecoverable        bool
	RequireOperatorRelease bool
	DedupeKey              string
	Metadata               map[string]string
	RaisedAt               time.Time
}

// State tracks unsafe conditions keyed by dedupe key.
type State struct {
	mu         sync.Mutex
	level      TrustLevel
	conditions map[string]QuarantineRecord
	sink       audit.Sink
	logger     *slog.Logger
}

// NewState creates a State at full trust. A nil sink discards audit events.
func NewState(sink audit.Sink) *State {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &State{
		level:      TrustFull,
		conditions: make(map[string]QuarantineRecord),
		sink:       sink,
		logger:     log.WithComponent("safety"),
	}
}

// TrustLevel returns the current trust level.
func (s *State) TrustLevel() TrustLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Raise records an unsafe condition. Raising the same dedupe key twice is
// idempotent: the original record is returned and raised is false, so
// repeated failures for one resource do not multiply flags.
func (s *State) Raise(rec QuarantineRecord) (QuarantineRecord, bool) {
	if rec.DedupeKey == "" {
		rec.DedupeKey = rec.Kind
	}

	s.mu.Lock()
	if existing, ok := s.conditions[rec.DedupeKey]; ok {
		s.mu.Unlock()
		return existing, false
	}

	if rec.QuarantineID == "" {
		rec.QuarantineID = uuid.NewString()
	}
	rec.RaisedAt = time.Now().UTC()
	s.conditions[rec.DedupeKey] = rec

	if rec.AutoRecoverable && s.level == TrustFull {
		s.level = TrustDegraded
	} else if !rec.AutoRecoverable {
		s.level = TrustUnsafe
	}
	level := s.level
	s.mu.Unlock()

	s.logger.Warn("unsafe condition raised",
		"dedupe_key", rec.DedupeKey,
		"quarantine_id", rec.QuarantineID,
		"kind", rec.Kind,
		"trust_level", string(level))
	s.sink.Emit(audit.TypeUnsafeRaised, map[string]any{
		"dedupe_key":    rec.DedupeKey,
		"quarantine_id": rec.QuarantineID,
		"kind":          rec.Kind,
		"reason":        rec.Reason,
	})
	return rec, true
}

// Release clears an unsafe condition. Conditions raised with
// RequireOperatorRelease refuse to clear unless an operator is named.
func (s *State) Release(dedupeKey, operator string) error {
	s.mu.Lock()
	rec, ok := s.conditions[dedupeKey]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no unsafe condition recorded for %q", dedupeKey)
	}
	if rec.RequireOperatorRelease && operator == "" {
		s.mu.Unlock()
		return fmt.Errorf("condition %q requires an operator to release", dedupeKey)
	}
	delete(s.conditions, dedupeKey)
	if len(s.conditions) == 0 {
		s.level = TrustFull
	}
	s.mu.Unlock()

	s.sink.Emit(audit.TypeUnsafeReleased, map[string]any{
		"dedupe_key":    dedupeKey,
		"quarantine_id": rec.QuarantineID,
		"operator":      operator,
	})
	return nil
}

// Condition returns the record for a dedupe key, if raised.
func (s *State) Condition(dedupeKey string) (QuarantineRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conditions[dedupeKey]
	return rec, ok
}

// Conditions returns a copy of all raised records.
func (s *State) Conditions() []QuarantineRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QuarantineRecord, 0, len(s.conditions))
	for _, rec := range s.conditions {
		out = append(out, rec)
	}
	return out
}
