// Package api hosts the HTTP server and middleware for the tool layer.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/tools lists the available tools.
//   - POST /v1/tools/{tool} runs one tool with a JSON object of arguments.
package api
