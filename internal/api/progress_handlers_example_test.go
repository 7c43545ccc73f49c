package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/clock/fake"
	"github.com/JakeFAU/pagemine/internal/mining"
	"github.com/JakeFAU/pagemine/internal/storage/memory"
)

// ExampleMiningHandler_Progress shows how to serve the /v1/mining/progress endpoint.
func ExampleMiningHandler_Progress() {
	start := time.Unix(1_700_000_000, 0)
	clk := fake.New(start)
	registry, err := mining.NewRegistry(memory.New(), mining.TrackerConfig{Clock: clk}, false)
	if err != nil {
		panic(err)
	}
	defer registry.Close()

	tracker, err := registry.For("")
	if err != nil {
		panic(err)
	}
	err = tracker.Begin(context.Background(), mining.Record{
		OperationID:  "op-example",
		IsActive:     true,
		CurrentBatch: 1,
		TotalBatches: 4,
		StartTime:    mining.Millis(start),
		DelayMinutes: 0.5,
	})
	if err != nil {
		panic(err)
	}
	clk.Advance(45 * time.Second)

	handler := NewMiningHandler(registry, nil, "", zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/mining/progress?locale=en", nil)
	rec := httptest.NewRecorder()
	handler.Progress(rec, req)

	var payload progressDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("progress: %d%%, remaining: %s\n", payload.Derived.Percentage, payload.Formatted.EstimatedRemaining)
	// Output:
	// progress: 25%, remaining: 3 minutes 15 seconds
}
