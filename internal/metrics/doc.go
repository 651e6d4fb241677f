// Package metrics wires Prometheus collectors into the engine, queue,
// scheduler and storage hook interfaces.
package metrics
