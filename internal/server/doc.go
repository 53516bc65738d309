// Package server hosts the Fiber HTTP service, the request middleware chain
// and the EngineRegistry that maps origin URLs to live engines. A player opens
// http://<listen>/<escaped origin URL>; the router decodes the origin, attaches
// it to the request as a Route and hands the request to the proxy handler.
// Runtime wires the shared dependencies (upstream client, disk store, source
// info storage, cleaner) so main and tests build the service the same way.
package server
