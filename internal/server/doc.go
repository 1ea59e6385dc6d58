// Package server hosts the Fiber HTTP service: the middleware chain (panic
// recovery, request ids, CORS, path-based cache headers), the /render route
// that resolves kind and id through the asset catalog, and the shared
// upstream http.Client. Handlers are injected so tests can replace them.
package server
