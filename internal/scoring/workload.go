package scoring

import (
	"context"
	"math"
	"time"
)

const DefaultMaxAllowed = 20

// ActiveCounter counts pending/accepted bookings scheduled at or after now.
type ActiveCounter interface {
	ActiveBookings(ctx context.Context, providerID int64, now time.Time) (int, error)
}

type WorkloadGauge struct {
	Counter    ActiveCounter
	MaxAllowed int
	Now        func() time.Time
}

func (w *WorkloadGauge) ActiveCount(ctx context.Context, providerID int64) (int, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return w.Counter.ActiveBookings(ctx, providerID, now())
}

// Penalty normalises a count to [0,1] against MaxAllowed.
func (w *WorkloadGauge) Penalty(count int) float64 {
	max := w.MaxAllowed
	if max <= 0 {
		max = DefaultMaxAllowed
	}
	if count <= 0 {
		return 0
	}
	return math.Min(float64(count)/float64(max), 1)
}
