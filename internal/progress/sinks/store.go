package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/progress"
	"github.com/JakeFAU/pagemine/internal/storage"
)

// DefaultHistoryKey is the storage key holding finished operations.
const DefaultHistoryKey = "miningHistory"

const defaultHistoryLimit = 20

// Outcome summarises one finished mining operation.
type Outcome struct {
	OperationID      string    `json:"operationId"`
	PageID           string    `json:"pageId,omitempty"`
	Result           string    `json:"result"`
	CompletedBatches int       `json:"completedBatches"`
	TotalBatches     int       `json:"totalBatches"`
	SuccessCount     int       `json:"successCount"`
	FailCount        int       `json:"failCount"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	Note             string    `json:"note,omitempty"`
}

// StoreSink appends finished operations to a bounded history list kept in a
// storage.Store slot, newest first.
type StoreSink struct {
	store  storage.Store
	key    string
	limit  int
	logger *zap.Logger

	mu sync.Mutex
}

// NewStoreSink constructs a StoreSink. An empty key selects DefaultHistoryKey
// and a non-positive limit keeps the last 20 operations.
func NewStoreSink(store storage.Store, key string, limit int, logger *zap.Logger) *StoreSink {
	if key == "" {
		key = DefaultHistoryKey
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, key: key, limit: limit, logger: logger}
}

// Name identifies the sink in hub warnings.
func (s *StoreSink) Name() string { return "history" }

// Consume collects terminal events and persists them in one write. It respects
// ctx deadlines and returns any storage errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	var finished []Outcome
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		finished = append(finished, outcomeFrom(evt))
	}
	if len(finished) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	history, err := LoadHistory(ctx, s.store, s.key)
	if err != nil {
		s.logger.Warn("discarding unreadable mining history", zap.Error(err))
		history = nil
	}
	merged := make([]Outcome, 0, len(finished)+len(history))
	for i := len(finished) - 1; i >= 0; i-- {
		merged = append(merged, finished[i])
	}
	merged = append(merged, history...)
	if len(merged) > s.limit {
		merged = merged[:s.limit]
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal mining history: %w", err)
	}
	if err := s.store.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("persist mining history: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

// LoadHistory reads the history list stored under key. A missing slot is an
// empty history.
func LoadHistory(ctx context.Context, store storage.Store, key string) ([]Outcome, error) {
	if key == "" {
		key = DefaultHistoryKey
	}
	data, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mining history: %w", err)
	}
	var out []Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode mining history: %w", err)
	}
	return out, nil
}

func outcomeFrom(evt progress.Event) Outcome {
	result := "done"
	switch evt.Stage {
	case progress.StageMiningCancelled:
		result = "cancelled"
	case progress.StageMiningError:
		result = "error"
	}
	finishedAt := evt.TS.UTC()
	return Outcome{
		OperationID:      evt.OperationID.String(),
		PageID:           evt.PageID,
		Result:           result,
		CompletedBatches: evt.Batch,
		TotalBatches:     evt.TotalBatches,
		SuccessCount:     evt.Success,
		FailCount:        evt.Fail,
		StartedAt:        finishedAt.Add(-evt.Dur),
		FinishedAt:       finishedAt,
		Note:             evt.Note,
	}
}
