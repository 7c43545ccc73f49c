// Package progress defines the event structures emitted by the batch-send driver.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageMiningStart     Stage = "MINING_START"
	StageBatchDone       Stage = "BATCH_DONE"
	StageMiningDone      Stage = "MINING_DONE"
	StageMiningCancelled Stage = "MINING_CANCELLED"
	StageMiningError     Stage = "MINING_ERROR"
)

// Terminal reports whether the stage ends an operation.
func (s Stage) Terminal() bool {
	switch s {
	case StageMiningDone, StageMiningCancelled, StageMiningError:
		return true
	default:
		return false
	}
}

// Event captures a single milestone of a mining operation.
type Event struct {
	// OperationID identifies one run of the batch-send driver.
	OperationID uuid.UUID
	// PageID is the page the operation sends on behalf of.
	PageID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Batch is the 1-based batch number for BATCH_DONE events and the number
	// of completed batches on terminal events.
	Batch int
	// TotalBatches is the planned number of batches.
	TotalBatches int
	// Success and Fail carry per-batch deltas on BATCH_DONE and totals on
	// terminal events.
	Success int
	Fail    int
	// Dur captures batch latency or total operation runtime.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.OperationID == uuid.Nil {
		return errors.New("operation id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageMiningStart, StageMiningDone, StageMiningCancelled, StageMiningError:
	case StageBatchDone:
		if e.Batch <= 0 || e.Batch > e.TotalBatches {
			return fmt.Errorf("batch %d out of range 1..%d", e.Batch, e.TotalBatches)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.TotalBatches < 0 {
		return errors.New("total batches must be >= 0")
	}
	if e.Success < 0 || e.Fail < 0 {
		return errors.New("counts must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
