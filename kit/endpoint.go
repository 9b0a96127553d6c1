// Package kit is the transport plumbing shared by the runner's tool
// surfaces: the endpoint abstraction, middleware chaining, context
// propagation and MCP registration.
package kit

import "context"

// Endpoint is a transport-agnostic operation: one typed request in, one
// typed response out. Runner operations are exposed as Endpoints and bound
// to transports (MCP tools, HTTP handlers) by the cmd layer.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares left to right: the first middleware is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
