package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/progress"
)

// LogSink emits structured logs for mining progress streams. It is useful
// during development or audits where no other sink is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name identifies the sink in hub warnings.
func (s *LogSink) Name() string { return "log" }

// Consume logs each event in the batch using structured fields. Terminal
// failures are logged at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("operation_id", evt.OperationID.String()),
			zap.String("page_id", evt.PageID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("batch", evt.Batch),
			zap.Int("total_batches", evt.TotalBatches),
			zap.Int("success", evt.Success),
			zap.Int("fail", evt.Fail),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageMiningError {
			s.logger.Warn("mining progress", fields...)
			continue
		}
		s.logger.Info("mining progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
