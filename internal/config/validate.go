package config

import (
	"fmt"

	"github.com/wardenhq/warden/internal/dispatchctl"
)

// Validate checks cross-field constraints and compiles every binding's
// path regexes. A config that passes Validate is ready for the controller.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Bindings))
	for i, b := range c.Bindings {
		if b == nil {
			return fmt.Errorf("binding[%d] is empty", i)
		}
		if b.ID == "" {
			return fmt.Errorf("binding[%d] is missing an id", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("binding id %q is duplicated", b.ID)
		}
		seen[b.ID] = struct{}{}

		if len(b.Methods) == 0 {
			return fmt.Errorf("binding %q has no methods", b.ID)
		}
		if len(b.ExactPaths)+len(b.PathTemplates)+len(b.PathRegexes) == 0 {
			return fmt.Errorf("binding %q has no path patterns", b.ID)
		}
		if b.ExpectedRoute == "" {
			return fmt.Errorf("binding %q has no expected_route", b.ID)
		}

		switch b.Sensitivity {
		case dispatchctl.SensitivitySensitive, dispatchctl.SensitivityNonSensitive:
		default:
			return fmt.Errorf("binding %q has invalid sensitivity %q", b.ID, b.Sensitivity)
		}

		switch b.ConflictPolicy {
		case dispatchctl.ConflictStrictBlock:
		case dispatchctl.ConflictRefreshThenReroute:
			if b.Sensitivity == dispatchctl.SensitivityNonSensitive && b.RerouteTarget == "" {
				return fmt.Errorf("binding %q uses refresh_then_reroute but has no reroute_target", b.ID)
			}
		default:
			return fmt.Errorf("binding %q has invalid conflict_policy %q", b.ID, b.ConflictPolicy)
		}

		if err := b.Compile(); err != nil {
			return err
		}
	}

	for i, e := range c.Exempt {
		if e.Method == "" {
			return fmt.Errorf("exempt_routes[%d] is missing a method", i)
		}
		if e.ExactPath == "" && e.PrefixPath == "" {
			return fmt.Errorf("exempt_routes[%d] needs exact_path or prefix_path", i)
		}
	}

	if c.Locks.LeaseHeartbeat >= c.Locks.LeaseTTL {
		return fmt.Errorf("locks.lease_heartbeat (%s) must be shorter than locks.lease_ttl (%s)",
			c.Locks.LeaseHeartbeat, c.Locks.LeaseTTL)
	}
	return nil
}
