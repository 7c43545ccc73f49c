// Package realtime maintains a server-push (SSE) subscription for a single
// page and delivers parsed customer events to one registered handler.
//
// A Client owns at most one transport connection at a time. Transport
// failures move the client to the reconnecting state and schedule a retry
// with capped exponential backoff (1s, 2s, 4s, 8s, 16s, then 30s forever).
// Disconnect cancels any pending retry so a closed subscription is never
// resurrected by a late timer.
package realtime
