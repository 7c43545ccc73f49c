// Package sinks implements concrete progress consumers: structured logging,
// Prometheus metrics, Pub/Sub fan-out and a durable operation history. Each
// sink satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
