package dispatchctl

import "time"

// ValidateOptions supplies the freshness context for snapshot validation.
// At most one of ReferenceTime and MonotonicBaseline is consulted; the
// monotonic path wins when both are set.
type ValidateOptions struct {
	// ReferenceTime is the wall-clock context of the validation. The
	// snapshot is stale when this predates the snapshot's memory version.
	ReferenceTime *time.Time

	// MonotonicBaseline is the caller's monotonic progress in milliseconds.
	// The snapshot is stale when the baseline is ahead of the snapshot's
	// monotonic timestamp: the caller claims progress the authoritative
	// snapshot has never seen, a desynchronized state.
	MonotonicBaseline *int64
}

// ValidateAgainstSnapshot checks a resolved binding against the trusted
// snapshot. The snapshot is never mutated.
//
// The two freshness checks point in opposite directions on purpose: the
// monotonic path treats "baseline ahead of snapshot" as stale while the
// timestamp path treats "reference behind snapshot" as stale. Both are
// preserved exactly as the deployed system behaves; do not unify them
// without an operator decision.
func ValidateAgainstSnapshot(binding *PatternBinding, attempt DispatchAttempt, snap *MemorySnapshot, opts ValidateOptions) ValidationResult {
	if binding == nil {
		return ValidationResult{Valid: false, Reason: ReasonMissingBinding}
	}

	// A missing snapshot cannot be trusted as current.
	if snap == nil {
		return ValidationResult{
			Valid:                  false,
			Reason:                 ReasonStaleVersion,
			RequiresSnapshotUpdate: true,
		}
	}

	if opts.MonotonicBaseline != nil {
		if *opts.MonotonicBaseline > snap.MonotonicTSMillis {
			return ValidationResult{
				Valid:                  false,
				Reason:                 ReasonStaleVersion,
				RequiresSnapshotUpdate: true,
			}
		}
	} else if opts.ReferenceTime != nil {
		if opts.ReferenceTime.Before(snap.MemoryVersion) {
			return ValidationResult{
				Valid:                  false,
				Reason:                 ReasonStaleVersion,
				RequiresSnapshotUpdate: true,
			}
		}
	}

	rs, ok := snap.RouteState[attempt.RouteAttempted]
	if !ok || rs.ExpectedRoute != binding.ExpectedRoute {
		return ValidationResult{
			Valid:                  false,
			Reason:                 ReasonRouteDrift,
			RequiresSnapshotUpdate: binding.ConflictPolicy == ConflictRefreshThenReroute,
			HardConflict:           rs.HardConflict,
		}
	}

	return ValidationResult{Valid: true, Reason: ReasonNone}
}
