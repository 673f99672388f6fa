// Package integrity guards protected configuration payloads. Each payload
// is schema-checked, canonically hashed, and compared against the expected
// hash for its kind; any mismatch quarantines the config and fails the
// operation. Expected hashes resolve env > built-in > trusted-this-process.
package integrity

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/canonical"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/safety"
)

// ComputeIntegrityHash returns the hex SHA-256 of the canonical JSON
// serialization of payload. Object key order never affects the result.
func ComputeIntegrityHash(payload any) (string, error) {
	return canonical.Hash(payload)
}

// Options configures a Guard.
type Options struct {
	// FailClosed quarantines configs that lack any expected hash and do
	// not allow trust-on-first-load.
	FailClosed bool

	// LookupEnv overrides environment lookup. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	Sink   audit.Sink
	Safety *safety.State
}

// AssertOptions carries per-call context.
type AssertOptions struct {
	// Source names where the payload came from, for audit trails.
	Source string

	// SchemaOverride replaces the manifest entry's validator for this call.
	SchemaOverride Validator
}

// Guard validates and fingerprints protected configuration. The trusted
// hash cache lives on the instance and only for the life of the process.
type Guard struct {
	manifest   map[string]ManifestEntry
	failClosed bool
	lookupEnv  func(string) (string, bool)
	sink       audit.Sink
	safety     *safety.State

	mu      sync.Mutex
	trusted map[string]string // protected id -> hash
}

// NewGuard builds a guard over a manifest. Passing nil uses DefaultManifest.
func NewGuard(manifest map[string]ManifestEntry, opts Options) *Guard {
	if manifest == nil {
		manifest = DefaultManifest()
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Sink == nil {
		opts.Sink = audit.Discard{}
	}
	if opts.Safety == nil {
		opts.Safety = safety.NewState(opts.Sink)
	}
	return &Guard{
		manifest:   manifest,
		failClosed: opts.FailClosed,
		lookupEnv:  opts.LookupEnv,
		sink:       opts.Sink,
		safety:     opts.Safety,
		trusted:    make(map[string]string),
	}
}

// AssertProtectedConfigIntegrity validates payload for the protected config
// id and returns its canonical hash. On any failure the config is
// quarantined and a *IntegrityValidationError is returned; callers must
// treat that as fatal to the current operation.
func (g *Guard) AssertProtectedConfigIntegrity(id string, payload any, opts AssertOptions) (string, error) {
	entry, ok := g.manifest[id]
	if !ok {
		return "", fmt.Errorf("no integrity manifest entry for protected config %q", id)
	}

	validate := entry.Validate
	if opts.SchemaOverride != nil {
		validate = opts.SchemaOverride
	}
	if validate != nil {
		if err := validate(payload); err != nil {
			return "", g.quarantine(entry, opts.Source, fmt.Sprintf("schema validation failed: %v", err), "", "")
		}
	}

	hash, err := ComputeIntegrityHash(payload)
	if err != nil {
		return "", fmt.Errorf("compute integrity hash for %q: %w", id, err)
	}

	expected, origin := g.expectedHash(entry)
	if expected == "" {
		if entry.AllowTrustOnFirstLoad {
			g.trust(id, hash)
			log.WithProtected(id).Info("integrity baseline established",
				"hash", hash, "source", opts.Source)
			g.sink.Emit(audit.TypeIntegrityBaseline, map[string]any{
				"protected_id": id,
				"hash":         hash,
				"source":       opts.Source,
			})
			return hash, nil
		}
		if g.failClosed {
			return "", g.quarantine(entry, opts.Source,
				"no expected hash configured and trust-on-first-load is not allowed", "", hash)
		}
		// Fail-open deployments accept the first observation but say so,
		// in the log and in the audit chain.
		log.WithProtected(id).Warn("accepting unbaselined protected config (fail-open)",
			"hash", hash)
		g.trust(id, hash)
		g.sink.Emit(audit.TypeIntegrityBaseline, map[string]any{
			"protected_id": id,
			"hash":         hash,
			"source":       opts.Source,
			"fail_open":    true,
		})
		return hash, nil
	}

	if expected != hash {
		return "", g.quarantine(entry, opts.Source,
			fmt.Sprintf("hash mismatch (expected via %s)", origin), expected, hash)
	}

	g.trust(id, hash)
	g.sink.Emit(audit.TypeIntegrityPass, map[string]any{
		"protected_id": id,
		"hash":         hash,
		"source":       opts.Source,
	})
	return hash, nil
}

// VerifyManifestConfiguration fails hard when any manifest entry that does
// not allow trust-on-first-load lacks an expected hash from every source.
// Run at startup: it keeps the fail-closed guarantee from being bypassed
// by omission.
func (g *Guard) VerifyManifestConfiguration() error {
	var missing []string
	for id, entry := range g.manifest {
		if entry.AllowTrustOnFirstLoad {
			continue
		}
		if expected, _ := g.expectedHash(entry); expected == "" {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("integrity manifest misconfigured: no expected hash for fail-closed configs: %s",
		strings.Join(missing, ", "))
}

// Trust seeds the trusted cache for id, as an explicit trust bootstrap.
func (g *Guard) Trust(id, hash string) {
	g.trust(id, hash)
}

// TrustedHash returns the hash cached for id this process, if any.
func (g *Guard) TrustedHash(id string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.trusted[id]
	return h, ok
}

func (g *Guard) trust(id, hash string) {
	g.mu.Lock()
	g.trusted[id] = hash
	g.mu.Unlock()
}

// expectedHash resolves the expected hash with precedence
// env > built-in > trusted cache, and names the origin that supplied it.
func (g *Guard) expectedHash(entry ManifestEntry) (hash, origin string) {
	if entry.ExpectedHashEnv != "" {
		if v, ok := g.lookupEnv(entry.ExpectedHashEnv); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), "environment"
		}
	}
	if entry.BuiltInExpectedHash != "" {
		return entry.BuiltInExpectedHash, "manifest"
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.trusted[entry.ID]; ok {
		return h, "trusted-cache"
	}
	return "", ""
}

func (g *Guard) quarantine(entry ManifestEntry, source, reason, expected, computed string) error {
	meta := map[string]string{"source": source}
	if expected != "" {
		meta["expected_hash"] = expected
	}
	if computed != "" {
		meta["computed_hash"] = computed
	}

	rec, raised := g.safety.Raise(safety.QuarantineRecord{
		Kind:                   "integrity_failure",
		Reason:                 reason,
		IntegrityFailure:       true,
		AutoRecoverable:        !entry.RequireOperatorRelease,
		RequireOperatorRelease: entry.RequireOperatorRelease,
		DedupeKey:              "integrity:" + entry.ID,
		Metadata:               meta,
	})

	log.WithProtected(entry.ID).Error("protected config quarantined",
		"quarantine_id", rec.QuarantineID,
		"reason", reason,
		"deduped", !raised)
	g.sink.Emit(audit.TypeIntegrityQuarantine, map[string]any{
		"protected_id":  entry.ID,
		"quarantine_id": rec.QuarantineID,
		"reason":        reason,
		"expected_hash": expected,
		"computed_hash": computed,
		"source":        source,
	})

	return &IntegrityValidationError{
		ProtectedID:  entry.ID,
		QuarantineID: rec.QuarantineID,
		Reason:       reason,
	}
}
