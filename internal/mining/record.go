package mining

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is the persisted progress of one mining operation. Timestamps are
// milliseconds since the Unix epoch.
type Record struct {
	OperationID          string  `json:"operationId,omitempty"`
	PageID               string  `json:"pageId,omitempty"`
	IsActive             bool    `json:"isActive"`
	CurrentBatch         int     `json:"currentBatch"`
	TotalBatches         int     `json:"totalBatches"`
	SuccessCount         int     `json:"successCount"`
	FailCount            int     `json:"failCount"`
	StartTime            int64   `json:"startTime"`
	LastBatchCompletedAt *int64  `json:"lastBatchCompletedAt"`
	DelayMinutes         float64 `json:"delayMinutes"`
	EndedAt              *int64  `json:"endedAt,omitempty"`
}

// Validate checks the structural invariants of a record.
func (r Record) Validate() error {
	switch {
	case r.TotalBatches < 0:
		return fmt.Errorf("totalBatches must be >= 0, got %d", r.TotalBatches)
	case r.CurrentBatch < 0 || r.CurrentBatch > r.TotalBatches:
		return fmt.Errorf("currentBatch %d out of range 0..%d", r.CurrentBatch, r.TotalBatches)
	case r.SuccessCount < 0 || r.FailCount < 0:
		return errors.New("counts must be >= 0")
	case r.StartTime <= 0:
		return errors.New("startTime is required")
	case r.DelayMinutes < 0:
		return errors.New("delayMinutes must be >= 0")
	}
	return nil
}

// Delay is the configured pause between batches.
func (r Record) Delay() time.Duration {
	return time.Duration(r.DelayMinutes * float64(time.Minute))
}

// Started returns StartTime as a time.Time.
func (r Record) Started() time.Time {
	return time.UnixMilli(r.StartTime).UTC()
}

// LastBatchTime returns LastBatchCompletedAt, if set.
func (r Record) LastBatchTime() (time.Time, bool) {
	if r.LastBatchCompletedAt == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*r.LastBatchCompletedAt).UTC(), true
}

// Ended returns EndedAt, if set.
func (r Record) Ended() (time.Time, bool) {
	if r.EndedAt == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*r.EndedAt).UTC(), true
}

// Millis converts t to the record's timestamp unit.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// MillisPtr is Millis returning a pointer, for optional timestamps.
func MillisPtr(t time.Time) *int64 {
	ms := Millis(t)
	return &ms
}

// errCorrupt marks a stored value that cannot be decoded into a valid record.
var errCorrupt = errors.New("corrupt progress record")

// Encode serialises r as JSON.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("encode progress record: %w", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode progress record: %w", err)
	}
	return data, nil
}

// Decode parses and validates a stored record.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return r, nil
}
