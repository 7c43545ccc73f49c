package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sinkFunc adapts a function to Sink for examples.
type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

func (sinkFunc) Close(context.Context) error { return nil }

// ExampleHub tallies delivered messages for a two batch operation.
func ExampleHub() {
	var success, fail int
	var stages []Stage
	tally := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			stages = append(stages, evt.Stage)
			if evt.Stage == StageBatchDone {
				success += evt.Success
				fail += evt.Fail
			}
		}
		return nil
	})
	hub := NewHub(Config{FlushAfter: time.Second}, tally)

	op := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	at := time.Unix(0, 0)
	hub.Emit(Event{OperationID: op, PageID: "page-1", TS: at, Stage: StageMiningStart, TotalBatches: 2})
	hub.Emit(Event{OperationID: op, PageID: "page-1", TS: at, Stage: StageBatchDone, Batch: 1, TotalBatches: 2, Success: 48, Fail: 2})
	hub.Emit(Event{OperationID: op, PageID: "page-1", TS: at, Stage: StageBatchDone, Batch: 2, TotalBatches: 2, Success: 30})
	hub.Emit(Event{OperationID: op, PageID: "page-1", TS: at, Stage: StageMiningDone, Batch: 2, TotalBatches: 2, Success: 78, Fail: 2})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(stages)
	fmt.Printf("success=%d fail=%d\n", success, fail)
	// Output:
	// [MINING_START BATCH_DONE BATCH_DONE MINING_DONE]
	// success=78 fail=2
}
