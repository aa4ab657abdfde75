// Package api hosts the admin HTTP server that runs alongside a harvest.
// Notable routes:
//   - GET /healthz and /readyz for liveness and storage readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for live per-target counters of the current run.
//   - GET /v1/targets for the configured target registry.
//   - GET /v1/runs and /v1/runs/{run_id} for persisted run history via the
//     store.RunRepository interface.
package api
