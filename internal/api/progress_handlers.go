package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/mining"
	"github.com/JakeFAU/pagemine/internal/progress/sinks"
	"github.com/JakeFAU/pagemine/internal/storage"
	"github.com/JakeFAU/pagemine/internal/timefmt"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	progressTimeout     = 3 * time.Second
)

// MiningHandler exposes mining progress, cancellation and history endpoints.
type MiningHandler struct {
	trackers   Trackers
	history    storage.Store
	historyKey string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewMiningHandler wires the trackers, the optional history store and logger.
func NewMiningHandler(trackers Trackers, history storage.Store, historyKey string, logger *zap.Logger) *MiningHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyKey == "" {
		historyKey = sinks.DefaultHistoryKey
	}
	return &MiningHandler{
		trackers:   trackers,
		history:    history,
		historyKey: historyKey,
		timeout:    progressTimeout,
		logger:     logger,
	}
}

// Progress handles GET /v1/mining/progress?page=&locale=. It returns the
// active record with its derived view and display strings, 204 when nothing
// is running, 400 for an unknown locale or a missing page when progress is
// kept per page, or 500 when the store fails.
func (h *MiningHandler) Progress(w http.ResponseWriter, r *http.Request) {
	locale, err := timefmt.ParseLocale(r.URL.Query().Get("locale"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, ok, err := tracker.Snapshot(ctx)
	if err != nil {
		h.logger.Error("read progress failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read progress")
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(snap, locale))
}

// Cancel handles POST /v1/mining/cancel?page=. It returns the cancelled
// operation's counts, 409 when nothing is active, or 500 on store errors.
// With per-page slots a missing page is a 400, as for Progress.
func (h *MiningHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	tracker, ok := h.tracker(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := tracker.RequestCancel(ctx)
	if err != nil {
		if errors.Is(err, mining.ErrNoActiveOperation) {
			writeError(w, http.StatusConflict, "no active mining operation")
			return
		}
		h.logger.Error("cancel mining failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel mining")
		return
	}
	writeJSON(w, http.StatusOK, cancelDTO{
		OperationID:      res.OperationID,
		PageID:           res.PageID,
		CompletedBatches: res.CompletedBatches,
		TotalBatches:     res.TotalBatches,
		SuccessCount:     res.SuccessCount,
		FailCount:        res.FailCount,
		DriverSignalled:  res.DriverSignalled,
	})
}

// tracker resolves the slot named by ?page=. It writes the error response
// itself and reports false when the request cannot proceed.
func (h *MiningHandler) tracker(w http.ResponseWriter, r *http.Request) (*mining.Tracker, bool) {
	pageID := strings.TrimSpace(r.URL.Query().Get("page"))
	if pageID == "" && h.trackers.PerPage() {
		writeError(w, http.StatusBadRequest, "page is required when progress is kept per page")
		return nil, false
	}
	tracker, err := h.trackers.For(pageID)
	if err != nil {
		h.logger.Error("resolve tracker failed", zap.String("page_id", pageID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve progress slot")
		return nil, false
	}
	return tracker, true
}

// History handles GET /v1/mining/history?limit=. It returns
// {"operations": [...]} newest first, 503 when no history store is wired, or
// 500 when the store fails.
func (h *MiningHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "mining history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcomes, err := sinks.LoadHistory(ctx, h.history, h.historyKey)
	if err != nil {
		h.logger.Error("load mining history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load mining history")
		return
	}
	if len(outcomes) > limit {
		outcomes = outcomes[:limit]
	}
	if outcomes == nil {
		outcomes = []sinks.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": outcomes})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := strings.TrimSpace(r.URL.Query().Get("limit"))
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func toProgressDTO(snap mining.Snapshot, locale timefmt.Locale) progressDTO {
	d := snap.Derived
	dto := progressDTO{
		Record: snap.Record,
		Derived: derivedDTO{
			Percentage:           d.Percentage,
			ElapsedMS:            d.Elapsed.Milliseconds(),
			BatchesCompleted:     d.BatchesCompleted,
			BatchesRemaining:     d.BatchesRemaining,
			EstimatedRemainingMS: d.EstimatedRemaining.Milliseconds(),
		},
		Formatted: formattedDTO{
			Elapsed:            timefmt.FormatDuration(d.Elapsed, locale),
			EstimatedRemaining: timefmt.FormatDuration(d.EstimatedRemaining, locale),
			NextBatchCountdown: timefmt.FormatCountdownPtr(d.NextBatchETA),
		},
		At: snap.At,
	}
	if d.NextBatchETA != nil {
		ms := d.NextBatchETA.Milliseconds()
		dto.Derived.NextBatchETAMS = &ms
	}
	return dto
}

type progressDTO struct {
	Record    mining.Record `json:"record"`
	Derived   derivedDTO    `json:"derived"`
	Formatted formattedDTO  `json:"formatted"`
	At        time.Time     `json:"at"`
}

type derivedDTO struct {
	Percentage           int    `json:"percentage"`
	ElapsedMS            int64  `json:"elapsed_ms"`
	BatchesCompleted     int    `json:"batches_completed"`
	BatchesRemaining     int    `json:"batches_remaining"`
	EstimatedRemainingMS int64  `json:"estimated_remaining_ms"`
	NextBatchETAMS       *int64 `json:"next_batch_eta_ms"`
}

type formattedDTO struct {
	Elapsed            string `json:"elapsed"`
	EstimatedRemaining string `json:"estimated_remaining"`
	NextBatchCountdown string `json:"next_batch_countdown"`
}

type cancelDTO struct {
	OperationID      string `json:"operation_id"`
	PageID           string `json:"page_id"`
	CompletedBatches int    `json:"completed_batches"`
	TotalBatches     int    `json:"total_batches"`
	SuccessCount     int    `json:"success_count"`
	FailCount        int    `json:"fail_count"`
	DriverSignalled  bool   `json:"driver_signalled"`
}
