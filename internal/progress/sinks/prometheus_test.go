package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagemine/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	opID := uuid.New()
	now := time.Now()
	batch := []progress.Event{
		{OperationID: opID, TS: now, Stage: progress.StageMiningStart, TotalBatches: 2},
		{OperationID: opID, TS: now, Stage: progress.StageMiningStart, TotalBatches: 2},
		{
			OperationID:  opID,
			TS:           now.Add(time.Second),
			Stage:        progress.StageBatchDone,
			Batch:        1,
			TotalBatches: 2,
			Success:      8,
			Fail:         2,
			Dur:          300 * time.Millisecond,
		},
		{OperationID: opID, TS: now.Add(time.Minute), Stage: progress.StageMiningCancelled, Dur: time.Minute},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.opsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.opsFinished.WithLabelValues("cancelled")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.opsFinished.WithLabelValues("done")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesTotal))
	require.InDelta(t, 8.0, testutil.ToFloat64(sink.messages.WithLabelValues("success")), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.messages.WithLabelValues("fail")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchLatency, "pagemine_mining_batch_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
