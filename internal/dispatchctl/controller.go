package dispatchctl

import (
	"log/slog"
	"time"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/log"
)

// Outcome is one full controller evaluation: the resolved binding, the
// validation detail, and the final decision.
type Outcome struct {
	Decision      Decision
	Binding       *PatternBinding
	MatchKind     MatchKind
	Validation    ValidationResult
	RerouteTarget string
	Exempt        bool
}

// Controller composes the binding resolver, the snapshot validator and the
// decision policy. It shares no state with them; bindings and exempt routes
// are immutable after construction.
type Controller struct {
	bindings []*PatternBinding
	exempt   []ExemptRoute
	sink     audit.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// NewController builds a controller over compiled bindings. A nil sink
// discards audit events.
func NewController(bindings []*PatternBinding, exempt []ExemptRoute, sink audit.Sink) *Controller {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Controller{
		bindings: bindings,
		exempt:   exempt,
		sink:     sink,
		logger:   log.WithComponent("dispatchctl"),
		now:      time.Now,
	}
}

// Evaluate runs the full pipeline for one attempt. When opts carries
// neither a reference time nor a monotonic baseline, the current wall
// clock is used as the reference.
func (c *Controller) Evaluate(attempt DispatchAttempt, snap *MemorySnapshot, opts ValidateOptions) Outcome {
	for _, e := range c.exempt {
		if e.Matches(attempt.Method, attempt.Path) {
			c.logger.Debug("exempt route bypass", "method", attempt.Method, "path", attempt.Path)
			return Outcome{Decision: DecisionAllow, Exempt: true}
		}
	}

	if opts.ReferenceTime == nil && opts.MonotonicBaseline == nil {
		ref := c.now().UTC()
		opts.ReferenceTime = &ref
	}

	binding, kind := ResolveBinding(attempt, c.bindings)
	validation := ValidateAgainstSnapshot(binding, attempt, snap, opts)

	sensitivity := SensitivityNonSensitive
	policy := ConflictRefreshThenReroute
	var bindingID, rerouteTarget string
	if binding != nil {
		sensitivity = binding.Sensitivity
		policy = binding.ConflictPolicy
		bindingID = binding.ID
		rerouteTarget = binding.RerouteTarget
	}

	decision := DecideAction(validation, sensitivity, policy)

	out := Outcome{
		Decision:   decision,
		Binding:    binding,
		MatchKind:  kind,
		Validation: validation,
	}

	switch decision {
	case DecisionAllow:
		c.logger.Debug("dispatch allowed",
			"method", attempt.Method, "path", attempt.Path, "binding", bindingID)
	case DecisionReroute:
		out.RerouteTarget = rerouteTarget
		c.logger.Warn("dispatch rerouted",
			"method", attempt.Method, "path", attempt.Path,
			"binding", bindingID, "reason", string(validation.Reason),
			"reroute_target", rerouteTarget)
		c.sink.Emit(audit.TypeDispatchRerouted, map[string]any{
			"method":         attempt.Method,
			"path":           attempt.Path,
			"binding":        bindingID,
			"reason":         string(validation.Reason),
			"reroute_target": rerouteTarget,
		})
	case DecisionBlock:
		c.logger.Warn("dispatch blocked",
			"method", attempt.Method, "path", attempt.Path,
			"binding", bindingID, "reason", string(validation.Reason))
		c.sink.Emit(audit.TypeDispatchBlocked, map[string]any{
			"method":  attempt.Method,
			"path":    attempt.Path,
			"binding": bindingID,
			"reason":  string(validation.Reason),
		})
	}
	return out
}
