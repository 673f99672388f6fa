// Package dispatchctl is the dispatch integrity controller: it resolves
// which configured pattern binding governs an inbound dispatch attempt,
// validates that binding against the last trusted snapshot of route state,
// and renders an allow/reroute/block decision.
package dispatchctl

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Decision is the final verdict for a dispatch attempt.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionReroute Decision = "reroute"
	DecisionBlock   Decision = "block"
)

// Sensitivity classifies how a binding may recover from a conflict.
// Sensitive bindings never auto-reroute; they allow or block.
type Sensitivity string

const (
	SensitivitySensitive    Sensitivity = "sensitive"
	SensitivityNonSensitive Sensitivity = "non-sensitive"
)

// ConflictPolicy selects the non-sensitive conflict behavior.
type ConflictPolicy string

const (
	ConflictRefreshThenReroute ConflictPolicy = "refresh_then_reroute"
	ConflictStrictBlock        ConflictPolicy = "strict_block"
)

// MatchKind records which pattern class matched an attempt.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchTemplate MatchKind = "template"
	MatchRegex    MatchKind = "regex"
	MatchNone     MatchKind = ""
)

// DispatchAttempt is one inbound request as seen by the controller.
// Constructed per request by the routing layer; never retained.
type DispatchAttempt struct {
	Method         string
	Path           string
	RouteAttempted string
	IntentHints    []string
}

// PatternBinding maps a method/path pattern to an expected canonical route
// and a conflict policy. Bindings are configuration: loaded at startup or
// refresh, immutable during a request.
type PatternBinding struct {
	ID             string         `yaml:"id" json:"id"`
	Priority       int            `yaml:"priority" json:"priority"`
	Methods        []string       `yaml:"methods" json:"methods"`
	ExactPaths     []string       `yaml:"exact_paths,omitempty" json:"exact_paths,omitempty"`
	PathTemplates  []string       `yaml:"path_templates,omitempty" json:"path_templates,omitempty"`
	PathRegexes    []string       `yaml:"path_regexes,omitempty" json:"path_regexes,omitempty"`
	IntentHints    []string       `yaml:"intent_hints,omitempty" json:"intent_hints,omitempty"`
	Sensitivity    Sensitivity    `yaml:"sensitivity" json:"sensitivity"`
	ConflictPolicy ConflictPolicy `yaml:"conflict_policy" json:"conflict_policy"`
	RerouteTarget  string         `yaml:"reroute_target,omitempty" json:"reroute_target,omitempty"`
	ExpectedRoute  string         `yaml:"expected_route" json:"expected_route"`

	compiledRegexes []*regexp.Regexp
}

// Compile validates and compiles the binding's path regexes. Must be called
// once after loading; ResolveBinding ignores regexes on uncompiled bindings.
func (b *PatternBinding) Compile() error {
	b.compiledRegexes = b.compiledRegexes[:0]
	for _, expr := range b.PathRegexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("binding %q: compile path regex %q: %w", b.ID, expr, err)
		}
		b.compiledRegexes = append(b.compiledRegexes, re)
	}
	return nil
}

// ExemptRoute bypasses the controller entirely.
type ExemptRoute struct {
	Method     string `yaml:"method" json:"method"`
	ExactPath  string `yaml:"exact_path,omitempty" json:"exact_path,omitempty"`
	PrefixPath string `yaml:"prefix_path,omitempty" json:"prefix_path,omitempty"`
}

// Matches reports whether the route exempts the given method and path.
func (e ExemptRoute) Matches(method, path string) bool {
	if !strings.EqualFold(e.Method, method) {
		return false
	}
	if e.ExactPath != "" && e.ExactPath == path {
		return true
	}
	if e.PrefixPath != "" && strings.HasPrefix(path, e.PrefixPath) {
		return true
	}
	return false
}

// RouteState is one route's entry in a trusted snapshot.
type RouteState struct {
	ExpectedRoute   string    `json:"expected_route"`
	LastValidatedAt time.Time `json:"last_validated_at"`
	HardConflict    bool      `json:"hard_conflict"`
}

// MemorySnapshot is the last trusted view of route bindings. Produced and
// refreshed externally; consumed strictly read-only here.
type MemorySnapshot struct {
	SchemaVersion     int                   `json:"schema_version"`
	BindingsVersion   int                   `json:"bindings_version"`
	VersionID         string                `json:"version_id"`
	MonotonicTSMillis int64                 `json:"monotonic_ts_ms"`
	MemoryVersion     time.Time             `json:"memory_version"`
	TrustedSnapshotID string                `json:"trusted_snapshot_id"`
	RouteState        map[string]RouteState `json:"route_state"`
	UpdatedAt         time.Time             `json:"updated_at"`
	UpdatedBy         string                `json:"updated_by"`
}

// ValidationReason explains a validation outcome. These are policy data,
// not errors.
type ValidationReason string

const (
	ReasonNone           ValidationReason = "none"
	ReasonStaleVersion   ValidationReason = "stale_version"
	ReasonRouteDrift     ValidationReason = "route_drift"
	ReasonMissingBinding ValidationReason = "missing_binding"
)

// ValidationResult is the outcome of checking a binding against a snapshot.
// RequiresSnapshotUpdate and HardConflict are advisory: the caller decides
// whether to trigger an out-of-band snapshot refresh.
type ValidationResult struct {
	Valid                  bool
	Reason                 ValidationReason
	RequiresSnapshotUpdate bool
	HardConflict           bool
}
