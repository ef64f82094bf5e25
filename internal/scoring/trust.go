// Package scoring computes the per-provider signals the ranker combines:
// a bounded trust score and a workload penalty.
package scoring

import (
	"context"
	"math"
)

// Signal is the raw history a trust score is derived from.
type Signal struct {
	Total          int
	Accepted       int
	Cancelled      int
	Rating         float64
	OpenComplaints int
}

// HistoryReader loads a provider's full booking history aggregate.
type HistoryReader interface {
	TrustSignal(ctx context.Context, providerID int64) (Signal, error)
}

type TrustScorer struct {
	History HistoryReader
}

func (t *TrustScorer) Score(ctx context.Context, providerID int64) (float64, error) {
	sig, err := t.History.TrustSignal(ctx, providerID)
	if err != nil {
		return 0, err
	}
	return Trust(sig), nil
}

// Trust is a pure function of the signal and always lands in [0,1].
func Trust(s Signal) float64 {
	acceptedRatio := 0.5
	cancelRatio := 0.0
	if s.Total > 0 {
		acceptedRatio = float64(s.Accepted) / float64(s.Total)
		cancelRatio = float64(s.Cancelled) / float64(s.Total)
	}
	ratingNorm := clamp01(s.Rating / 5)
	reportsPenalty := math.Min(float64(s.OpenComplaints)/5, 1)
	if reportsPenalty < 0 {
		reportsPenalty = 0
	}
	trust := 0.4*acceptedRatio + 0.3*ratingNorm + 0.15*(1-cancelRatio) + 0.15*(1-reportsPenalty)
	return clamp01(trust)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
