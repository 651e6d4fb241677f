// Package client provides the `loom` command-line client.
//
// The CLI talks to the loom HTTP API to trigger unit runs, inspect queue
// stats and records, upload assets and check server health. It is primarily
// intended for developers and operators.
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. The standalone binary reads LOOM_HTTP and
// defaults to http://127.0.0.1:8080.
//
// Usage
//
//	loom trigger weather-report
//	loom run-all
//	loom stats
//	loom health
//	loom upload ./report.pdf --stream documents --description "Q3 report"
//	loom records --stream documents --filter 'upload_status == "completed"'
package client
