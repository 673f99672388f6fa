package dispatchctl

import (
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/audit"
)

func testController(t *testing.T, sink audit.Sink) *Controller {
	t.Helper()
	bindings := mustCompile(t,
		&PatternBinding{
			ID: "exec", Priority: 100, Methods: []string{"POST"},
			ExactPaths:     []string{"/api/ask"},
			Sensitivity:    SensitivitySensitive,
			ConflictPolicy: ConflictStrictBlock,
			ExpectedRoute:  "/api/commands/execute",
		},
		&PatternBinding{
			ID: "query", Priority: 50, Methods: []string{"GET"},
			PathTemplates:  []string{"/api/memory/{key}"},
			Sensitivity:    SensitivityNonSensitive,
			ConflictPolicy: ConflictRefreshThenReroute,
			RerouteTarget:  "/api/memory/safe",
			ExpectedRoute:  "/api/memory/get",
		},
	)
	exempt := []ExemptRoute{
		{Method: "GET", ExactPath: "/health"},
		{Method: "GET", PrefixPath: "/static/"},
	}
	return NewController(bindings, exempt, sink)
}

func TestControllerSensitiveDriftBlocks(t *testing.T) {
	hub := audit.NewHub(8)
	c := testController(t, hub)

	snap := &MemorySnapshot{
		MemoryVersion: ts(t, "2026-02-01T00:00:00Z"),
		RouteState: map[string]RouteState{
			"/api/ask": {ExpectedRoute: "/api/legacy"},
		},
	}
	ref := ts(t, "2026-02-02T00:00:00Z")
	out := c.Evaluate(DispatchAttempt{
		Method: "POST", Path: "/api/ask", RouteAttempted: "/api/ask",
	}, snap, ValidateOptions{ReferenceTime: &ref})

	if out.Decision != DecisionBlock {
		t.Fatalf("decision = %q, want block", out.Decision)
	}
	if out.Validation.Reason != ReasonRouteDrift {
		t.Errorf("reason = %q, want route_drift", out.Validation.Reason)
	}
	evs := hub.Recent(0)
	if len(evs) != 1 || evs[0].Type != audit.TypeDispatchBlocked {
		t.Errorf("audit events = %+v, want one dispatch.blocked", evs)
	}
}

func TestControllerNonSensitiveDriftReroutes(t *testing.T) {
	c := testController(t, nil)

	snap := &MemorySnapshot{
		MemoryVersion: ts(t, "2026-02-01T00:00:00Z"),
		RouteState: map[string]RouteState{
			"/api/memory/foo": {ExpectedRoute: "/api/memory/old"},
		},
	}
	ref := ts(t, "2026-02-02T00:00:00Z")
	out := c.Evaluate(DispatchAttempt{
		Method: "GET", Path: "/api/memory/foo", RouteAttempted: "/api/memory/foo",
	}, snap, ValidateOptions{ReferenceTime: &ref})

	if out.Decision != DecisionReroute {
		t.Fatalf("decision = %q, want reroute", out.Decision)
	}
	if out.RerouteTarget != "/api/memory/safe" {
		t.Errorf("reroute target = %q", out.RerouteTarget)
	}
	if !out.Validation.RequiresSnapshotUpdate {
		t.Error("drift under refresh_then_reroute should advise a refresh")
	}
}

func TestControllerAllow(t *testing.T) {
	c := testController(t, nil)

	snap := &MemorySnapshot{
		MemoryVersion: ts(t, "2026-02-01T00:00:00Z"),
		RouteState: map[string]RouteState{
			"/api/ask": {ExpectedRoute: "/api/commands/execute"},
		},
	}
	ref := ts(t, "2026-02-02T00:00:00Z")
	out := c.Evaluate(DispatchAttempt{
		Method: "POST", Path: "/api/ask", RouteAttempted: "/api/ask",
	}, snap, ValidateOptions{ReferenceTime: &ref})

	if out.Decision != DecisionAllow {
		t.Fatalf("decision = %q, want allow", out.Decision)
	}
	if out.Binding == nil || out.Binding.ID != "exec" {
		t.Errorf("binding = %+v, want exec", out.Binding)
	}
	if out.MatchKind != MatchExact {
		t.Errorf("match kind = %q, want exact", out.MatchKind)
	}
}

func TestControllerExemptBypass(t *testing.T) {
	c := testController(t, nil)

	// No snapshot at all: exempt routes must still pass.
	out := c.Evaluate(DispatchAttempt{Method: "GET", Path: "/health"}, nil, ValidateOptions{})
	if out.Decision != DecisionAllow || !out.Exempt {
		t.Fatalf("outcome = %+v, want exempt allow", out)
	}

	out = c.Evaluate(DispatchAttempt{Method: "GET", Path: "/static/app.css"}, nil, ValidateOptions{})
	if out.Decision != DecisionAllow || !out.Exempt {
		t.Fatalf("prefix outcome = %+v, want exempt allow", out)
	}
}

func TestControllerMissingBindingBlocksSensitiveDefault(t *testing.T) {
	c := testController(t, nil)
	snap := &MemorySnapshot{MemoryVersion: ts(t, "2026-02-01T00:00:00Z")}
	ref := ts(t, "2026-02-02T00:00:00Z")

	out := c.Evaluate(DispatchAttempt{
		Method: "DELETE", Path: "/api/unknown", RouteAttempted: "/api/unknown",
	}, snap, ValidateOptions{ReferenceTime: &ref})

	if out.Validation.Reason != ReasonMissingBinding {
		t.Fatalf("reason = %q, want missing_binding", out.Validation.Reason)
	}
	// No binding: the non-sensitive refresh_then_reroute defaults apply,
	// with no reroute target configured.
	if out.Decision != DecisionReroute {
		t.Errorf("decision = %q, want reroute", out.Decision)
	}
	if out.RerouteTarget != "" {
		t.Errorf("reroute target = %q, want empty", out.RerouteTarget)
	}
}

func TestControllerDefaultsReferenceTimeToNow(t *testing.T) {
	c := testController(t, nil)
	fixed := ts(t, "2026-02-10T00:00:00Z")
	c.now = func() time.Time { return fixed }

	snap := &MemorySnapshot{
		MemoryVersion: ts(t, "2026-02-11T00:00:00Z"), // ahead of "now"
		RouteState: map[string]RouteState{
			"/api/ask": {ExpectedRoute: "/api/commands/execute"},
		},
	}
	out := c.Evaluate(DispatchAttempt{
		Method: "POST", Path: "/api/ask", RouteAttempted: "/api/ask",
	}, snap, ValidateOptions{})

	if out.Validation.Reason != ReasonStaleVersion {
		t.Errorf("reason = %q, want stale_version from defaulted reference", out.Validation.Reason)
	}
}
