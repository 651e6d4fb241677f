// Package httpserver exposes the runtime over a small JSON HTTP API:
// health, unit triggers, queue stats, record listing with an optional CEL
// filter, upload submission and Prometheus metrics.
package httpserver
