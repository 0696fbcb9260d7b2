package broker

import (
	"strings"
	"time"

	"github.com/tracefabric/tracefabric/pattern"
	"github.com/tracefabric/tracefabric/schema"
)

// Subscription is one link's declared interest in a route (spec §3).
type Subscription struct {
	Route        string
	Filters      schema.Filters
	LastActivity time.Time
}

// coversRoute reports whether a subscription to sub covers events
// resolved to route, using the same hierarchical prefix rule as the
// broker's persistence route table.
func coversRoute(sub, route string) bool {
	return strings.HasPrefix(route, sub)
}

// matchesFilters implements the broker's conjunctive filter evaluation
// (spec §4.4 broadcast step, distinct from the producer's include-wins
// rule — see spec §9 "Filter-rule divergence").
func matchesFilters(f *schema.Filters, ev *schema.Event) bool {
	if f == nil {
		return true
	}
	if len(f.Levels) > 0 && !containsLevel(f.Levels, ev.Level) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, ev.Source) {
		return false
	}
	if len(f.IncludePatterns) > 0 {
		if !pattern.Compile(f.IncludePatterns).MatchAny(ev.Message) {
			return false
		}
	}
	if len(f.ExcludePatterns) > 0 {
		if pattern.Compile(f.ExcludePatterns).MatchAny(ev.Message) {
			return false
		}
	}
	return true
}

func containsLevel(levels []schema.Level, l schema.Level) bool {
	for _, v := range levels {
		if v == l {
			return true
		}
	}
	return false
}

func containsString(items []string, s string) bool {
	for _, v := range items {
		if v == s {
			return true
		}
	}
	return false
}
