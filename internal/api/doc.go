// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/mining/progress, POST /v1/mining/cancel and GET
//     /v1/mining/history for the batch-send progress slot.
//   - GET /v1/realtime/status and PUT /v1/realtime/page for the server-push
//     subscription.
package api
