// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the batch-send driver uses to report mining progress. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as structured logs, Prometheus metrics, Pub/Sub or durable
// operation history.
package progress
