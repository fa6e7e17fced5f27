// Package server assembles the video API behind one HTTP server.
//
// New registers the api handlers on a mux and wraps it in the shared
// middleware chain: request ids, request logging with capability tokens
// redacted, security headers, CORS, metrics, rate limiting and static token
// authentication. The returned Server exposes the configured http.Server so
// callers can run it through internal/serverutil.
package server
