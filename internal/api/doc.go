// Package api hosts the HTTP server, middleware, and handlers of the search
// gateway. Notable routes:
//   - GET /, /primary, /primary/sold and /secondary run searches.
//   - GET /health returns the control-plane snapshot.
//   - POST /cache/clear drops cached pages and restores rate limits.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//
// Every JSON response except the probes uses the same envelope:
// {success, data, count, pagination, error}.
package api
