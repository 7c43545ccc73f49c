package mining

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/clock"
	"github.com/JakeFAU/pagemine/internal/clock/system"
	opid "github.com/JakeFAU/pagemine/internal/id/uuid"
	"github.com/JakeFAU/pagemine/internal/progress"
)

// Sender dispatches one batch of conversations and reports per-message outcomes.
type Sender interface {
	SendBatch(ctx context.Context, pageID, messageSetID string, conversationIDs []string) (success, fail int, err error)
}

// IDGenerator issues operation ids.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

// Plan describes one mining operation.
type Plan struct {
	PageID          string
	MessageSetID    string
	ConversationIDs []string
	BatchSize       int
	DelayMinutes    float64
}

// Validate reports missing or invalid plan fields.
func (p Plan) Validate() error {
	switch {
	case strings.TrimSpace(p.PageID) == "":
		return errors.New("page id is required")
	case strings.TrimSpace(p.MessageSetID) == "":
		return errors.New("message set id is required")
	case len(p.ConversationIDs) == 0:
		return errors.New("at least one conversation id is required")
	case p.BatchSize <= 0:
		return fmt.Errorf("batch size must be > 0, got %d", p.BatchSize)
	case p.DelayMinutes < 0:
		return fmt.Errorf("delay minutes must be >= 0, got %v", p.DelayMinutes)
	}
	return nil
}

// Batches splits ConversationIDs into consecutive chunks of BatchSize.
func (p Plan) Batches() [][]string {
	if p.BatchSize <= 0 {
		return nil
	}
	out := make([][]string, 0, (len(p.ConversationIDs)+p.BatchSize-1)/p.BatchSize)
	for start := 0; start < len(p.ConversationIDs); start += p.BatchSize {
		end := min(start+p.BatchSize, len(p.ConversationIDs))
		out = append(out, p.ConversationIDs[start:end])
	}
	return out
}

// Summary is the outcome of Driver.Run.
type Summary struct {
	OperationID      string
	PageID           string
	TotalBatches     int
	CompletedBatches int
	SuccessCount     int
	FailCount        int
	// Cancelled is true when the run stopped before its last batch.
	Cancelled bool
	// Cause explains an early stop (ErrCancelled, ErrSuperseded or the
	// caller's context error).
	Cause    error
	Duration time.Duration
}

// DriverConfig wires optional collaborators into a Driver.
type DriverConfig struct {
	Emitter progress.Emitter
	IDs     IDGenerator
	Clock   clock.Clock
	Logger  *zap.Logger
}

// Driver runs mining operations: it owns the progress record for the
// duration of a run and honours cancellation between batches.
type Driver struct {
	trackers *Registry
	sender   Sender
	emitter  progress.Emitter
	ids      IDGenerator
	clock    clock.Clock
	logger   *zap.Logger
}

// NewDriver builds a Driver.
func NewDriver(trackers *Registry, sender Sender, cfg DriverConfig) (*Driver, error) {
	if trackers == nil {
		return nil, errors.New("tracker registry is required")
	}
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.EmitterFunc(func(progress.Event) {})
	}
	if cfg.IDs == nil {
		cfg.IDs = opid.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Driver{
		trackers: trackers,
		sender:   sender,
		emitter:  cfg.Emitter,
		ids:      cfg.IDs,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Run executes plan. Before each batch it checks both ctx and the durable
// record, so a cancel issued by another process is honoured at the next
// batch boundary. Cancellation is reported in the Summary, not as an error;
// errors are returned only when progress cannot be persisted.
func (d *Driver) Run(ctx context.Context, plan Plan) (Summary, error) {
	if err := plan.Validate(); err != nil {
		return Summary{}, fmt.Errorf("invalid plan: %w", err)
	}
	tracker, err := d.trackers.For(plan.PageID)
	if err != nil {
		return Summary{}, err
	}
	opID, err := d.ids.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("operation id: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	unbind := tracker.Bind(opID.String(), cancel)
	defer unbind()
	// Progress writes must land even after the run is cancelled.
	persistCtx := context.WithoutCancel(ctx)

	batches := plan.Batches()
	start := d.clock.Now()
	rec := Record{
		OperationID:  opID.String(),
		PageID:       plan.PageID,
		IsActive:     true,
		TotalBatches: len(batches),
		StartTime:    Millis(start),
		DelayMinutes: plan.DelayMinutes,
	}
	sum := Summary{OperationID: rec.OperationID, PageID: plan.PageID, TotalBatches: len(batches)}
	logger := d.logger.With(zap.String("operation_id", rec.OperationID), zap.String("page_id", plan.PageID))

	if err := tracker.Begin(persistCtx, rec); err != nil {
		d.emitTerminal(opID, progress.StageMiningError, sum, start, err.Error())
		return sum, fmt.Errorf("begin mining: %w", err)
	}
	d.emit(progress.Event{OperationID: opID, PageID: plan.PageID, TS: start, Stage: progress.StageMiningStart, TotalBatches: len(batches)})
	logger.Info("mining started", zap.Int("total_batches", len(batches)), zap.Int("targets", len(plan.ConversationIDs)))

	for i, batch := range batches {
		if i > 0 {
			if err := sleep(runCtx, d.clock, rec.Delay()); err != nil {
				break
			}
		}
		if runCtx.Err() != nil {
			break
		}
		if err := d.checkSlot(persistCtx, tracker, rec.OperationID); err != nil {
			cancel(err)
			break
		}

		// A dispatched batch is never retracted: a cancel only stops the
		// batches after it, so the send runs on the caller's context.
		batchStart := d.clock.Now()
		success, fail, err := d.sender.SendBatch(ctx, plan.PageID, plan.MessageSetID, batch)
		if err != nil {
			logger.Warn("batch send failed; counting batch as failed",
				zap.Int("batch", i+1), zap.Int("size", len(batch)), zap.Error(err))
			success, fail = 0, len(batch)
		}
		done := d.clock.Now()

		rec.CurrentBatch = i + 1
		rec.SuccessCount += success
		rec.FailCount += fail
		rec.LastBatchCompletedAt = MillisPtr(done)
		sum.CompletedBatches = rec.CurrentBatch
		sum.SuccessCount = rec.SuccessCount
		sum.FailCount = rec.FailCount
		d.emit(progress.Event{
			OperationID:  opID,
			PageID:       plan.PageID,
			TS:           done,
			Stage:        progress.StageBatchDone,
			Batch:        rec.CurrentBatch,
			TotalBatches: rec.TotalBatches,
			Success:      success,
			Fail:         fail,
			Dur:          nonNegative(done.Sub(batchStart)),
		})

		if err := tracker.Update(persistCtx, rec); err != nil {
			if errors.Is(err, ErrCancelled) || errors.Is(err, ErrSuperseded) {
				cancel(err)
				break
			}
			sum.Duration = nonNegative(d.clock.Now().Sub(start))
			sum.Cause = err
			logger.Error("mining progress write failed", zap.Error(err))
			if finErr := tracker.Finish(persistCtx, rec); finErr != nil {
				logger.Warn("mark mining finished", zap.Error(finErr))
			}
			d.emitTerminal(opID, progress.StageMiningError, sum, start, err.Error())
			return sum, fmt.Errorf("update progress: %w", err)
		}
	}

	end := d.clock.Now()
	sum.Duration = nonNegative(end.Sub(start))
	if runCtx.Err() != nil && sum.CompletedBatches < sum.TotalBatches {
		sum.Cancelled = true
		sum.Cause = context.Cause(runCtx)
	}
	if err := tracker.Finish(persistCtx, rec); err != nil {
		logger.Warn("mark mining finished", zap.Error(err))
	}

	if sum.Cancelled {
		d.emitTerminal(opID, progress.StageMiningCancelled, sum, start, sum.Cause.Error())
		logger.Info("mining cancelled; completed batches are kept",
			zap.Int("completed_batches", sum.CompletedBatches),
			zap.Int("success", sum.SuccessCount),
			zap.Int("fail", sum.FailCount),
			zap.NamedError("cause", sum.Cause),
		)
		return sum, nil
	}
	d.emitTerminal(opID, progress.StageMiningDone, sum, start, "")
	logger.Info("mining finished",
		zap.Int("success", sum.SuccessCount),
		zap.Int("fail", sum.FailCount),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// checkSlot reports whether the durable record still belongs to an active
// run of operationID. Read failures are logged and treated as transient.
func (d *Driver) checkSlot(ctx context.Context, tracker *Tracker, operationID string) error {
	cur, ok, err := tracker.Peek(ctx)
	if err != nil {
		d.logger.Warn("progress check failed; continuing", zap.Error(err))
		return nil
	}
	switch {
	case !ok:
		return ErrCancelled
	case cur.OperationID != operationID:
		return ErrSuperseded
	case !cur.IsActive:
		return ErrCancelled
	}
	return nil
}

func (d *Driver) emit(evt progress.Event) {
	d.emitter.Emit(evt)
}

func (d *Driver) emitTerminal(opID uuid.UUID, stage progress.Stage, sum Summary, start time.Time, note string) {
	now := d.clock.Now()
	d.emit(progress.Event{
		OperationID:  opID,
		PageID:       sum.PageID,
		TS:           now,
		Stage:        stage,
		Batch:        sum.CompletedBatches,
		TotalBatches: sum.TotalBatches,
		Success:      sum.SuccessCount,
		Fail:         sum.FailCount,
		Dur:          nonNegative(now.Sub(start)),
		Note:         note,
	})
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
