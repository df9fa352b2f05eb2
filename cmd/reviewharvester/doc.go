// Package main hosts the review-harvester entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts scrape jobs, reports job progress and serves stored reviews and
//     rating statistics through a TTL cache.
//   - Dispatcher & queue: submissions are validated, persisted as queued jobs and pushed onto a bounded in-memory
//     queue that a fixed worker pool drains. A strategy that cannot run fails the job at submission.
//   - Pagination: each worker walks review pages for one product under a per-marketplace token bucket and a
//     jittered exponential retry policy, parses them with the strategy's parser and upserts the records.
//   - Persistence & fanout: reviews, aggregates and jobs live in memory, SQLite or Postgres. Raw pages may be
//     archived to a local directory or GCS, and a job.finished event is published to Pub/Sub when configured.
//
// Commands:
//   - serve runs the API and the worker pool until SIGINT or SIGTERM.
//   - scrape runs one job in-process and prints its outcome.
//
// Configuration comes from an optional YAML file, .env files and HARVESTER_* environment variables.
package main
