// Package api hosts the HTTP server for operating crawls. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to start a crawl, 409 while one is running.
//   - GET /v1/crawls/{job_id}/status and /result to inspect a crawl.
//   - POST /v1/crawls/{job_id}/stop to request a cooperative stop.
//   - GET /v1/records?query=&page=&per_page= to search persisted records.
package api
