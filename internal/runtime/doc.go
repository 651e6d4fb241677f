// Package runtime assembles a single-node loom instance: the Pebble store,
// the record adapter, the blob store, the job queue, the cron scheduler and
// the fusion engine, wired per the loaded configuration. The HTTP server
// and the CLI both drive the system exclusively through a Runtime.
package runtime
