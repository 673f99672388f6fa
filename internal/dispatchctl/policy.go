package dispatchctl

// DecideAction renders the final decision for a validation outcome.
// Pure lookup, precedence top to bottom:
//
//	valid                         -> allow
//	sensitive                     -> block
//	conflictPolicy strict_block   -> block
//	otherwise                     -> reroute
//
// Sensitivity always dominates policy: a sensitive binding never
// auto-reroutes on conflict.
func DecideAction(v ValidationResult, sensitivity Sensitivity, policy ConflictPolicy) Decision {
	if v.Valid {
		return DecisionAllow
	}
	if sensitivity == SensitivitySensitive {
		return DecisionBlock
	}
	if policy == ConflictStrictBlock {
		return DecisionBlock
	}
	return DecisionReroute
}
