// Package api hosts the HTTP server, middleware, and handlers of the scraper
// service. Notable routes:
//   - POST /scrape, /abort and /create-zip drive the single job slot and the
//     archiver, answering with {"message": ...} bodies.
//   - GET /stream is a Server-Sent Events feed of job log entries.
//   - GET /status and /runs report the current job and run history.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
