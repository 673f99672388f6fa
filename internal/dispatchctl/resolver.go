package dispatchctl

import (
	"sort"
	"strings"
)

// kind ranks for precedence comparison; lower is better.
var kindRank = map[MatchKind]int{
	MatchExact:    0,
	MatchTemplate: 1,
	MatchRegex:    2,
}

// ResolveBinding selects the binding governing an attempt, or nil if none
// matches. Pure function over the provided state.
//
// Precedence: exact path > path template > path regex. A binding offering
// several pattern classes competes only at its best matching class. Among
// candidates at the globally best class, the highest Priority wins; ties
// prefer bindings whose intent hints intersect the attempt's, and any
// remaining tie resolves to the lexically smallest ID so the choice is
// deterministic and independent of configuration order.
func ResolveBinding(attempt DispatchAttempt, bindings []*PatternBinding) (*PatternBinding, MatchKind) {
	type candidate struct {
		binding *PatternBinding
		kind    MatchKind
	}

	best := -1
	var candidates []candidate
	for _, b := range bindings {
		if b == nil || !methodAllowed(b.Methods, attempt.Method) {
			continue
		}
		kind := b.matchKind(attempt.Path)
		if kind == MatchNone {
			continue
		}
		rank := kindRank[kind]
		switch {
		case best == -1 || rank < best:
			best = rank
			candidates = candidates[:0]
			candidates = append(candidates, candidate{b, kind})
		case rank == best:
			candidates = append(candidates, candidate{b, kind})
		}
	}
	if len(candidates) == 0 {
		return nil, MatchNone
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		bi, bj := candidates[i].binding, candidates[j].binding
		if bi.Priority != bj.Priority {
			return bi.Priority > bj.Priority
		}
		hi := hintsIntersect(bi.IntentHints, attempt.IntentHints)
		hj := hintsIntersect(bj.IntentHints, attempt.IntentHints)
		if hi != hj {
			return hi
		}
		return bi.ID < bj.ID
	})
	return candidates[0].binding, candidates[0].kind
}

// matchKind returns the best pattern class this binding offers for path.
func (b *PatternBinding) matchKind(path string) MatchKind {
	for _, p := range b.ExactPaths {
		if p == path {
			return MatchExact
		}
	}
	for _, tmpl := range b.PathTemplates {
		if templateMatches(tmpl, path) {
			return MatchTemplate
		}
	}
	for _, re := range b.compiledRegexes {
		if re.MatchString(path) {
			return MatchRegex
		}
	}
	return MatchNone
}

func methodAllowed(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func hintsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

// templateMatches matches path against a segment template where {name}
// placeholders each consume exactly one path segment.
func templateMatches(tmpl, path string) bool {
	ts := strings.Split(strings.Trim(tmpl, "/"), "/")
	ps := strings.Split(strings.Trim(path, "/"), "/")
	if len(ts) != len(ps) {
		return false
	}
	for i, seg := range ts {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if ps[i] == "" {
				return false
			}
			continue
		}
		if seg != ps[i] {
			return false
		}
	}
	return true
}
