package mining

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/clock"
	"github.com/JakeFAU/pagemine/internal/clock/system"
	"github.com/JakeFAU/pagemine/internal/metrics"
	"github.com/JakeFAU/pagemine/internal/storage"
)

var (
	// ErrNoActiveOperation is returned by RequestCancel when nothing is running.
	ErrNoActiveOperation = errors.New("mining: no active operation")
	// ErrCancelled is the cancellation cause delivered to a bound driver.
	ErrCancelled = errors.New("mining: cancelled by user")
	// ErrSuperseded means another operation took over the progress slot.
	ErrSuperseded = errors.New("mining: progress slot taken by another operation")

	errSkipWrite = errors.New("mining: nothing to write")
)

const (
	// DefaultKey is the storage key of the single progress slot.
	DefaultKey = "miningProgress"
	// DefaultGracePeriod is how long an inactive record survives.
	DefaultGracePeriod = 3 * time.Second
	// DefaultPollInterval is the observer polling cadence.
	DefaultPollInterval = time.Second

	expiryTimeout   = 5 * time.Second
	maxSwapAttempts = 5
)

// KeyFor namespaces base by pageID. An empty pageID returns base.
func KeyFor(base, pageID string) string {
	if base == "" {
		base = DefaultKey
	}
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return base
	}
	return base + ":" + pageID
}

// TrackerConfig controls a Tracker.
//   - Key: storage key (defaults to DefaultKey).
//   - GracePeriod: lifetime of an inactive record (defaults to DefaultGracePeriod).
//   - Clock: time source for timestamps and expiry timers.
//   - Logger: optional structured logger.
type TrackerConfig struct {
	Key         string
	GracePeriod time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

// CancelResult describes the operation a cancel request stopped. Batches
// already dispatched are kept and counted here.
type CancelResult struct {
	OperationID      string
	PageID           string
	CompletedBatches int
	TotalBatches     int
	SuccessCount     int
	FailCount        int
	// DriverSignalled is true when a driver in this process was bound to the
	// operation and has been told to stop. Otherwise the driver notices the
	// inactive record before its next batch.
	DriverSignalled bool
}

// Snapshot is a record plus the derived view at At.
type Snapshot struct {
	Record  Record
	Derived Derived
	At      time.Time
}

// Tracker reads, derives and cancels the progress record stored under one key.
type Tracker struct {
	store  storage.Store
	key    string
	grace  time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	expiry  map[string]clock.Timer
	closed  bool
}

// NewTracker builds a Tracker over store.
func NewTracker(store storage.Store, cfg TrackerConfig) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("progress store is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if err := storage.ValidateKey(cfg.Key); err != nil {
		return nil, err
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Tracker{
		store:   store,
		key:     cfg.Key,
		grace:   cfg.GracePeriod,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(zap.String("key", cfg.Key)),
		cancels: make(map[string]context.CancelCauseFunc),
		expiry:  make(map[string]clock.Timer),
	}, nil
}

// Key returns the storage key this tracker owns.
func (t *Tracker) Key() string { return t.key }

// GracePeriod returns how long inactive records are kept.
func (t *Tracker) GracePeriod() time.Duration { return t.grace }

// Peek returns the stored record whether or not it is active. Corrupt values
// and inactive records past the grace period are deleted and reported absent.
func (t *Tracker) Peek(ctx context.Context) (Record, bool, error) {
	rec, _, ok, err := t.load(ctx)
	return rec, ok, err
}

// load is Peek plus the stored bytes, which conditional writes compare
// against.
func (t *Tracker) load(ctx context.Context) (Record, []byte, bool, error) {
	data, err := t.store.Get(ctx, t.key)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, nil, false, nil
	}
	if err != nil {
		return Record{}, nil, false, fmt.Errorf("read progress: %w", err)
	}
	rec, err := Decode(data)
	if err != nil {
		metrics.ObserveCorruptRecord()
		t.logger.Warn("discarding corrupt progress record", zap.Error(err))
		if delErr := t.store.Delete(ctx, t.key); delErr != nil {
			t.logger.Warn("delete corrupt progress record", zap.Error(delErr))
		}
		return Record{}, nil, false, nil
	}
	if !rec.IsActive && t.expired(rec) {
		if err := t.store.Delete(ctx, t.key); err != nil {
			return Record{}, nil, false, fmt.Errorf("delete expired progress: %w", err)
		}
		return Record{}, nil, false, nil
	}
	return rec, data, true, nil
}

// ReadProgress returns the active record, or false when none exists or the
// stored record is inactive.
func (t *Tracker) ReadProgress(ctx context.Context) (Record, bool, error) {
	rec, ok, err := t.Peek(ctx)
	if err != nil || !ok || !rec.IsActive {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Snapshot reads the active record and derives its progress at the current time.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, bool, error) {
	rec, ok, err := t.ReadProgress(ctx)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	now := t.clock.Now()
	return Snapshot{Record: rec, Derived: ComputeDerived(rec, now), At: now}, true, nil
}

// Begin writes a fresh active record, replacing whatever the slot held.
func (t *Tracker) Begin(ctx context.Context, rec Record) error {
	if !rec.IsActive {
		return errors.New("begin requires an active record")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	prev, ok, err := t.Peek(ctx)
	if err != nil {
		return err
	}
	if ok && prev.IsActive && prev.OperationID != rec.OperationID {
		t.logger.Warn("replacing active mining operation; last writer wins",
			zap.String("previous_operation_id", prev.OperationID),
			zap.String("previous_page_id", prev.PageID),
			zap.String("operation_id", rec.OperationID),
		)
	}
	return t.put(ctx, rec)
}

// Update persists progress for the operation that owns the slot. It returns
// ErrCancelled when the record was cancelled or removed and ErrSuperseded
// when another operation took the slot over. The write is conditional on
// the record it checked, so a concurrent cancel is never overwritten.
func (t *Tracker) Update(ctx context.Context, rec Record) error {
	_, err := t.modify(ctx, func(cur Record, ok bool) (Record, error) {
		switch {
		case !ok:
			return Record{}, ErrCancelled
		case cur.OperationID != rec.OperationID:
			return Record{}, ErrSuperseded
		case !cur.IsActive:
			return Record{}, ErrCancelled
		}
		next := rec
		next.IsActive = true
		return next, nil
	})
	return err
}

// Finish marks the operation inactive with its final counts and schedules
// removal after the grace period. It does nothing if another operation owns
// the slot. A cancel that already ended the record keeps its EndedAt.
func (t *Tracker) Finish(ctx context.Context, rec Record) error {
	_, err := t.modify(ctx, func(cur Record, ok bool) (Record, error) {
		if !ok || cur.OperationID != rec.OperationID {
			return Record{}, errSkipWrite
		}
		next := rec
		next.IsActive = false
		next.EndedAt = cur.EndedAt
		if next.EndedAt == nil {
			next.EndedAt = MillisPtr(t.clock.Now())
		}
		return next, nil
	})
	if errors.Is(err, errSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}
	t.scheduleExpiry(rec.OperationID)
	return nil
}

// RequestCancel marks the active record inactive, signals a bound driver and
// schedules removal after the grace period. Dispatched batches are kept.
func (t *Tracker) RequestCancel(ctx context.Context) (CancelResult, error) {
	rec, err := t.modify(ctx, func(cur Record, ok bool) (Record, error) {
		if !ok || !cur.IsActive {
			return Record{}, ErrNoActiveOperation
		}
		cur.IsActive = false
		cur.EndedAt = MillisPtr(t.clock.Now())
		return cur, nil
	})
	if err != nil {
		return CancelResult{}, err
	}

	t.mu.Lock()
	cancel := t.cancels[rec.OperationID]
	t.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
	metrics.ObserveMiningCancel()
	t.scheduleExpiry(rec.OperationID)

	t.logger.Info("mining cancel requested",
		zap.String("operation_id", rec.OperationID),
		zap.Int("completed_batches", rec.CurrentBatch),
		zap.Int("total_batches", rec.TotalBatches),
		zap.Bool("driver_signalled", cancel != nil),
	)
	return CancelResult{
		OperationID:      rec.OperationID,
		PageID:           rec.PageID,
		CompletedBatches: rec.CurrentBatch,
		TotalBatches:     rec.TotalBatches,
		SuccessCount:     rec.SuccessCount,
		FailCount:        rec.FailCount,
		DriverSignalled:  cancel != nil,
	}, nil
}

// Bind registers the cancellation func of an in-process driver running
// operationID. The returned func removes the binding.
func (t *Tracker) Bind(operationID string, cancel context.CancelCauseFunc) func() {
	t.mu.Lock()
	t.cancels[operationID] = cancel
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.cancels, operationID)
	}
}

// Watch calls fn with the current snapshot every interval until ctx is done.
// ok is false while no operation is active. Read errors are logged and the
// poll continues.
func (t *Tracker) Watch(ctx context.Context, interval time.Duration, fn func(snap Snapshot, ok bool)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		snap, ok, err := t.Snapshot(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			t.logger.Warn("progress poll failed", zap.Error(err))
		default:
			fn(snap, ok)
		}
		if err := sleep(ctx, t.clock, interval); err != nil {
			return err
		}
	}
}

// Close stops pending expiry timers. It does not close the store.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.expiry {
		timer.Stop()
		delete(t.expiry, id)
	}
	return nil
}

// modify applies fn to the current record and writes the result with a
// compare-and-swap, retrying when another writer got in between. An error
// from fn aborts without writing.
func (t *Tracker) modify(ctx context.Context, fn func(cur Record, ok bool) (Record, error)) (Record, error) {
	for attempt := 1; ; attempt++ {
		cur, raw, ok, err := t.load(ctx)
		if err != nil {
			return Record{}, err
		}
		next, err := fn(cur, ok)
		if err != nil {
			return Record{}, err
		}
		data, err := Encode(next)
		if err != nil {
			return Record{}, err
		}
		err = t.store.CompareAndSwap(ctx, t.key, raw, data)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return Record{}, fmt.Errorf("write progress: %w", err)
		}
		if attempt >= maxSwapAttempts {
			return Record{}, fmt.Errorf("write progress after %d attempts: %w", attempt, err)
		}
		t.logger.Debug("progress record changed during write; retrying", zap.Int("attempt", attempt))
	}
}

func (t *Tracker) put(ctx context.Context, rec Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := t.store.Put(ctx, t.key, data); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

func (t *Tracker) expired(rec Record) bool {
	ended, ok := rec.Ended()
	if !ok {
		return true
	}
	return !t.clock.Now().Before(ended.Add(t.grace))
}

func (t *Tracker) scheduleExpiry(operationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if prev := t.expiry[operationID]; prev != nil {
		prev.Stop()
	}
	t.expiry[operationID] = t.clock.AfterFunc(t.grace, func() { t.expire(operationID) })
}

// expire deletes the slot if it still holds operationID's inactive record.
func (t *Tracker) expire(operationID string) {
	t.mu.Lock()
	delete(t.expiry, operationID)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
	defer cancel()
	data, err := t.store.Get(ctx, t.key)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		t.logger.Warn("progress expiry read failed", zap.Error(err))
		return
	}
	if rec, err := Decode(data); err == nil && (rec.OperationID != operationID || rec.IsActive) {
		return
	}
	if err := t.store.Delete(ctx, t.key); err != nil {
		t.logger.Warn("progress expiry delete failed", zap.Error(err))
		return
	}
	t.logger.Debug("progress record removed", zap.String("operation_id", operationID))
}

// sleep waits for d on clk or until ctx is done.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	fired := make(chan struct{})
	timer := clk.AfterFunc(d, func() { close(fired) })
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-fired:
		return nil
	}
}
