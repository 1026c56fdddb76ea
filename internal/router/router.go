// Package router matches request paths against the configured routes.
package router

import (
	"fmt"
	"sort"
	"strings"

	"example.com/h2stream/internal/config"
	"example.com/h2stream/internal/logger"
	"example.com/h2stream/internal/server"
)

// Router holds the routing table. Handlers are instantiated once, when the
// router is built, so a bad handler_config fails at startup rather than on
// the first request.
type Router struct {
	// exactRoutes is keyed by PathPattern.
	exactRoutes map[string]*server.MatchedRoute

	// prefixRoutes is sorted by PathPattern length, longest first, so the
	// most specific prefix wins.
	prefixRoutes []*server.MatchedRoute

	log *logger.Logger
}

// NewRouter builds a router over routes, creating each route's handler
// through registry. Route validation itself is the config loader's job.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{exactRoutes: make(map[string]*server.MatchedRoute), log: lg}
	for _, route := range routes {
		raw, err := route.HandlerConfigJSON()
		if err != nil {
			return nil, err
		}
		h, err := registry.CreateHandler(route.HandlerType, raw, lg.With(logger.LogFields{"handler_type": route.HandlerType}))
		if err != nil {
			return nil, fmt.Errorf("route '%s': %w", route.PathPattern, err)
		}
		m := &server.MatchedRoute{Handler: h, Route: route}

		switch route.MatchType {
		case config.MatchTypeExact:
			r.exactRoutes[route.PathPattern] = m
		case config.MatchTypePrefix:
			r.prefixRoutes = append(r.prefixRoutes, m)
		default:
			return nil, fmt.Errorf("route '%s': unknown match type '%s'", route.PathPattern, route.MatchType)
		}
	}

	sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i].Route.PathPattern) > len(r.prefixRoutes[j].Route.PathPattern)
	})
	lg.Debug("Router initialized", logger.LogFields{"exact": len(r.exactRoutes), "prefix": len(r.prefixRoutes)})
	return r, nil
}

// FindRoute matches path against the routing table. Exact matches take
// precedence over prefix matches; among prefixes the longest wins. It
// returns (nil, nil) when nothing matches.
func (r *Router) FindRoute(path string) (*server.MatchedRoute, error) {
	if m, ok := r.exactRoutes[path]; ok {
		return m, nil
	}
	for _, m := range r.prefixRoutes {
		if strings.HasPrefix(path, m.Route.PathPattern) {
			return m, nil
		}
	}
	return nil, nil
}
