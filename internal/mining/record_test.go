package mining

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()

	rec := Record{
		OperationID:          "0190f7a4-0000-7000-8000-000000000001",
		PageID:               "page-1",
		IsActive:             true,
		CurrentBatch:         3,
		TotalBatches:         7,
		SuccessCount:         140,
		FailCount:            6,
		StartTime:            1_700_000_000_000,
		LastBatchCompletedAt: ptr(int64(1_700_000_600_000)),
		DelayMinutes:         2.5,
	}
	data, err := Encode(rec)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestRecordJSONFieldNames(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Record{IsActive: true, TotalBatches: 2, StartTime: 5, DelayMinutes: 1})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"isActive": true,
		"currentBatch": 0,
		"totalBatches": 2,
		"successCount": 0,
		"failCount": 0,
		"startTime": 5,
		"lastBatchCompletedAt": null,
		"delayMinutes": 1
	}`, string(data))
}

func TestDecodeRejectsCorruptValues(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"truncated":        `{"isActive":true,"currentBa`,
		"wrong type":       `{"isActive":"yes","startTime":1}`,
		"batch overflow":   `{"isActive":true,"currentBatch":4,"totalBatches":3,"startTime":1}`,
		"missing start":    `{"isActive":true,"currentBatch":0,"totalBatches":3}`,
		"negative counts":  `{"isActive":true,"totalBatches":3,"startTime":1,"failCount":-2}`,
		"negative delay":   `{"isActive":true,"totalBatches":3,"startTime":1,"delayMinutes":-1}`,
		"not an object":    `[]`,
		"empty":            ``,
		"negative batches": `{"isActive":true,"totalBatches":-1,"currentBatch":-1,"startTime":1}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(raw))
			require.ErrorIs(t, err, errCorrupt)
		})
	}
}

func TestEncodeRejectsInvalidRecord(t *testing.T) {
	t.Parallel()

	_, err := Encode(Record{CurrentBatch: 2, TotalBatches: 1, StartTime: 1})
	require.Error(t, err)
}

func TestRecordTimeHelpers(t *testing.T) {
	t.Parallel()

	rec := Record{StartTime: 1_700_000_000_000, DelayMinutes: 1.5}
	require.Equal(t, int64(1_700_000_000_000), Millis(rec.Started()))
	require.Equal(t, 90*time.Second, rec.Delay())

	_, ok := rec.LastBatchTime()
	require.False(t, ok)
	_, ok = rec.Ended()
	require.False(t, ok)

	rec.LastBatchCompletedAt = MillisPtr(rec.Started())
	last, ok := rec.LastBatchTime()
	require.True(t, ok)
	require.Equal(t, rec.Started(), last)
}

func ptr[T any](v T) *T { return &v }
