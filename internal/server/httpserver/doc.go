// Package httpserver serves the vmsnap management API over HTTP.
//
// Routes live in the handler sub-package; this package adds the
// middleware chain (panic recovery, request ids, per-client rate
// limiting, access logging with request metrics), the /metrics endpoint
// and the server lifecycle.
package httpserver
