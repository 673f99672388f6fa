// Package httpgate exposes the dispatch controller as chi-compatible HTTP
// middleware. It builds the attempt from the request, asks the controller,
// and either passes through, 307-redirects to the reroute target, or
// answers 403.
package httpgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/wardenhq/warden/internal/dispatchctl"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/snapstore"
)

// IntentHintHeader carries caller intent hints, one value per header line.
const IntentHintHeader = "X-Intent-Hint"

// SnapshotSource yields the snapshot the controller validates against.
// snapstore.Store satisfies it; a nil snapshot (ErrNoSnapshot) makes the
// controller treat every governed attempt as stale.
type SnapshotSource interface {
	Latest(ctx context.Context) (dispatchctl.MemorySnapshot, error)
}

// Gate wraps a controller and a snapshot source into middleware.
type Gate struct {
	controller *dispatchctl.Controller
	snapshots  SnapshotSource
	logger     *slog.Logger
}

// New builds a gate. snapshots may be nil when no store is configured; the
// controller then sees a nil snapshot on every request.
func New(controller *dispatchctl.Controller, snapshots SnapshotSource) *Gate {
	return &Gate{
		controller: controller,
		snapshots:  snapshots,
		logger:     log.WithComponent("httpgate"),
	}
}

// Middleware evaluates every request before the wrapped handler runs.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := dispatchctl.DispatchAttempt{
			Method:         r.Method,
			Path:           r.URL.Path,
			RouteAttempted: r.URL.Path,
			IntentHints:    r.Header.Values(IntentHintHeader),
		}

		outcome := g.controller.Evaluate(attempt, g.latest(r.Context()), dispatchctl.ValidateOptions{})

		switch outcome.Decision {
		case dispatchctl.DecisionAllow:
			next.ServeHTTP(w, r)
		case dispatchctl.DecisionReroute:
			if outcome.RerouteTarget == "" {
				// No reroute destination configured; failing closed beats
				// redirecting the caller back at itself.
				g.writeBlocked(w, r, outcome)
				return
			}
			http.Redirect(w, r, outcome.RerouteTarget, http.StatusTemporaryRedirect)
		case dispatchctl.DecisionBlock:
			g.writeBlocked(w, r, outcome)
		}
	})
}

func (g *Gate) latest(ctx context.Context) *dispatchctl.MemorySnapshot {
	if g.snapshots == nil {
		return nil
	}
	snap, err := g.snapshots.Latest(ctx)
	if err != nil {
		if err != snapstore.ErrNoSnapshot {
			g.logger.Error("snapshot lookup failed", "error", err)
		}
		return nil
	}
	return &snap
}

func (g *Gate) writeBlocked(w http.ResponseWriter, r *http.Request, outcome dispatchctl.Outcome) {
	bindingID := ""
	if outcome.Binding != nil {
		bindingID = outcome.Binding.ID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      "dispatch blocked",
		"reason":     string(outcome.Validation.Reason),
		"binding":    bindingID,
		"request_id": middleware.GetReqID(r.Context()),
	})
}

// LoggingMiddleware logs one line per request.
func (g *Gate) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
