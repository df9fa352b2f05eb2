// Package api hosts the HTTP boundary of the review harvester.
//
// Routes:
//   - GET /healthz, /readyz for probes and GET /metrics for Prometheus.
//   - POST /v1/jobs submits a scrape job; GET /v1/jobs and /v1/jobs/{job_id} report on jobs.
//   - GET /v1/reviews pages through stored reviews with an opaque cursor.
//   - GET /v1/stats returns the aggregate rating statistics for a product.
//
// Reads are served through the query service, so responses carry X-Cache
// (HIT or MISS) and, for listings, X-Next-Cursor.
package api
