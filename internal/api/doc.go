// Package api hosts the read-only HTTP server for operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/processos/{id} for one projected case record.
//   - GET /v1/raw-pages for a window over the raw page archive.
package api
