package broker

import (
	"strings"

	"github.com/tracefabric/tracefabric/internal/config"
)

// MatchRoute selects the longest-prefix match among routes for path (spec
// §4.4). The catch-all "/" always matches; an empty result reports no
// match at all, which the caller treats as an error condition.
func MatchRoute(routes []config.Route, path string) (config.Route, bool) {
	best := -1
	var match config.Route
	for _, r := range routes {
		if !strings.HasPrefix(path, r.RoutePrefix) {
			continue
		}
		if len(r.RoutePrefix) > best {
			best = len(r.RoutePrefix)
			match = r
		}
	}
	return match, best >= 0
}
