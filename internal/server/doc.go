// Package server hosts the Fiber HTTP service that stands between pages and
// the upstream origin. Every request outside the /-/ diagnostics namespace is
// handed to a FetchHandler (the worker) which answers from the offline caches
// or the network. The package also owns the shared upstream http.Client and
// the UpstreamFetcher the worker uses for network fetches. Diagnostics and
// page-messaging routes live in the routes subpackage so they can depend on
// the worker without creating an import cycle.
package server
