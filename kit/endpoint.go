// Package kit adapts transport-neutral endpoints to the admin surfaces
// (MCP tools, HTTP handlers) so each operation is written once.
package kit

import "context"

// Endpoint is one operation: decoded request in, response out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
