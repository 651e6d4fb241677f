// Package queue implements the durable job queue: jobs are persisted in
// Pebble before execution, claimed under a lease by bounded worker pools,
// retried with exponential backoff, and serialized per unit name so no two
// jobs for the same unit ever run concurrently.
package queue
