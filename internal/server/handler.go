package server

import (
	"net/http"

	"go.uber.org/fx"
)

// Route pairs a mux pattern with its handler, so fx can collect the
// server's surface as a value group.
type Route struct {
	Pattern string
	Handler http.Handler
}

type RouteResult struct {
	fx.Out

	Route *Route `group:"routes"`
}

func AsRoute(pattern string, handler http.Handler) RouteResult {
	return RouteResult{
		Route: &Route{
			Pattern: pattern,
			Handler: handler,
		},
	}
}
