// Package api hosts the HTTP handlers of the video API.
//
// Handlers decode and validate requests, delegate to the video and link
// services injected into Handler, and shape every reply as a JSON object with
// a "message" field. Failures map onto status codes by error kind; see
// writeServiceError.
//
// Authentication, rate limiting, request logging and metrics are applied by
// internal/server before a request reaches this package.
package api
