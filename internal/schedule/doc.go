// Package schedule fires unit runs on cron expressions. It guarantees a
// unit is triggered at most once concurrently: a tick that arrives while
// the previous run is still in flight is dropped, never queued.
package schedule
