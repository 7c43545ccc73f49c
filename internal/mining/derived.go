package mining

import (
	"math"
	"time"
)

// Derived is the progress view computed from a Record at a point in time.
type Derived struct {
	Percentage         int
	Elapsed            time.Duration
	BatchesCompleted   int
	BatchesRemaining   int
	EstimatedRemaining time.Duration
	// NextBatchETA is nil until a batch has completed, and once none remain.
	NextBatchETA *time.Duration
}

// ComputeDerived returns percentage, elapsed time and ETAs for r at now. It
// is pure. Millisecond arithmetic rounds halves up so results match
// the dashboard's rendering.
func ComputeDerived(r Record, now time.Time) Derived {
	nowMS := float64(Millis(now))
	delayMS := r.DelayMinutes * 60_000

	d := Derived{
		BatchesCompleted: r.CurrentBatch,
		BatchesRemaining: r.TotalBatches - r.CurrentBatch,
	}
	if r.TotalBatches > 0 {
		d.Percentage = int(roundHalfUp(100 * float64(r.CurrentBatch) / float64(r.TotalBatches)))
	}

	elapsedMS := math.Max(0, nowMS-float64(r.StartTime))
	d.Elapsed = msDuration(elapsedMS)

	if d.BatchesRemaining > 0 {
		avgMS := delayMS
		if d.BatchesCompleted > 0 {
			avgMS = elapsedMS / float64(d.BatchesCompleted)
		}
		remaining := float64(d.BatchesRemaining)
		d.EstimatedRemaining = msDuration(avgMS*remaining + (remaining-1)*delayMS)

		if r.LastBatchCompletedAt != nil {
			sinceMS := nowMS - float64(*r.LastBatchCompletedAt)
			eta := msDuration(math.Max(0, delayMS-sinceMS))
			d.NextBatchETA = &eta
		}
	}
	return d
}

func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(roundHalfUp(ms)) * time.Millisecond
}
