package pipeline

import (
	"sort"
	"strings"

	"github.com/flowgate-io/flowgate/internal/config"
)

// router matches request paths to configured routes by longest
// prefix. A route path ending in "*" matches any suffix; other paths
// match exactly or as a segment prefix.
type router struct {
	routes []config.RouteConfig
}

func newRouter(routes []config.RouteConfig) *router {
	sorted := make([]config.RouteConfig, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Path) > len(sorted[j].Path)
	})
	return &router{routes: sorted}
}

// match returns the route for a request, or nil.
func (rt *router) match(method, path string) *config.RouteConfig {
	for i := range rt.routes {
		route := &rt.routes[i]
		if !pathMatches(route.Path, path) {
			continue
		}
		if !methodAllowed(route.Methods, method) {
			continue
		}
		return route
	}
	return nil
}

func pathMatches(pattern, path string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	if pattern == path {
		return true
	}
	// Segment prefix: /api/orders matches /api/orders/42.
	return strings.HasPrefix(path, pattern+"/")
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
