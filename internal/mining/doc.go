// Package mining tracks batched send ("mining") operations.
//
// A Record is the durable progress slot for one operation. The Tracker reads,
// derives and cancels it; the Driver creates and advances it while sending
// batches through a Sender. The slot lives in a storage.Store so progress
// stays visible across restarts of either side. Only one active operation is
// representable per key; a second Begin on the same key replaces the first
// (last writer wins).
package mining
