// Package server hosts the Fiber HTTP service, request middleware chain, and
// scope registry glue that wires Host resolution into the proxy handler.
// The registry owns one worker.Registration per configured scope; the router
// only resolves the route and hands it to the injected ProxyHandler, so tests
// can swap in fakes without touching the cache layer.
package server
