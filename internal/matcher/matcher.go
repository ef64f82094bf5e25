package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/geo"
	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/observability"
)

type Algorithm string

const (
	Baseline    Algorithm = "baseline"
	Hybrid      Algorithm = "hybrid"
	TrustHybrid Algorithm = "trust_hybrid"
)

const (
	DefaultRadiusKm      = 10.0
	DefaultTopN          = 5
	MaxTopN              = 50
	DefaultDominationCap = 50
)

// ParseAlgorithm defaults to trust_hybrid when s is empty.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return TrustHybrid, nil
	case Baseline, Hybrid, TrustHybrid:
		return a, nil
	default:
		return "", apperr.InvalidArgument("unsupported algorithm %q", s)
	}
}

// Weights apply to trust_hybrid only.
type Weights struct {
	Distance     float64 `json:"distance"`
	Trust        float64 `json:"trust"`
	Workload     float64 `json:"workload"`
	Availability float64 `json:"availability"`
}

func DefaultWeights() Weights {
	return Weights{Distance: 0.4, Trust: 0.3, Workload: 0.2, Availability: 0.1}
}

// Validate requires non-negative weights summing to 1.0.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Distance, w.Trust, w.Workload, w.Availability} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("match weights must be non-negative, got %+v", w)
		}
	}
	if sum := w.Distance + w.Trust + w.Workload + w.Availability; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("match weights must sum to 1.0, got %.6f", sum)
	}
	return nil
}

type TrustScorer interface {
	Score(ctx context.Context, providerID int64) (float64, error)
}

type WorkloadGauge interface {
	ActiveCount(ctx context.Context, providerID int64) (int, error)
	Penalty(count int) float64
}

type Request struct {
	Category          string
	Origin            models.Coord
	RadiusKm          float64
	TopN              int
	Algorithm         Algorithm
	ExcludeProviderID int64
	Debug             bool
}

type Ranking struct {
	Items      []models.MatchResult
	Total      int
	Candidates int
	TopN       int
	RadiusKm   float64
	Algorithm  Algorithm
	Elapsed    time.Duration
}

// Ranker turns geo candidates into a ranked list; lower score is better.
type Ranker struct {
	Geo      geo.Index
	Trust    TrustScorer
	Workload WorkloadGauge
	Stats    Recorder

	Weights       Weights
	DominationCap int
	DefaultTopN   int
	RetryBackoff  time.Duration
	Logger        *slog.Logger
}

func (r *Ranker) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Ranker) normalize(req Request) (Request, error) {
	if req.Algorithm == "" {
		req.Algorithm = TrustHybrid
	}
	if _, err := ParseAlgorithm(string(req.Algorithm)); err != nil {
		return req, err
	}
	if req.RadiusKm == 0 {
		req.RadiusKm = DefaultRadiusKm
	}
	switch {
	case req.TopN < 0:
		return req, apperr.InvalidArgument("topN must be positive")
	case req.TopN == 0:
		req.TopN = r.DefaultTopN
		if req.TopN <= 0 {
			req.TopN = DefaultTopN
		}
	}
	if req.TopN > MaxTopN {
		req.TopN = MaxTopN
	}
	return req, nil
}

func (r *Ranker) Rank(ctx context.Context, req Request) (Ranking, error) {
	req, err := r.normalize(req)
	if err != nil {
		return Ranking{}, err
	}
	start := time.Now()
	out := Ranking{TopN: req.TopN, RadiusKm: req.RadiusKm, Algorithm: req.Algorithm}

	var cands []geo.Candidate
	err = r.retry(ctx, func() error {
		var err error
		cands, err = r.Geo.FindCandidates(ctx, geo.Query{
			Category:          req.Category,
			Origin:            req.Origin,
			RadiusKm:          req.RadiusKm,
			ExcludeProviderID: req.ExcludeProviderID,
		})
		return err
	})
	if err != nil {
		return Ranking{}, err
	}
	out.Candidates = len(cands)
	observability.MatchCandidates.WithLabelValues(string(req.Algorithm)).Observe(float64(len(cands)))
	if len(cands) == 0 {
		out.Items = []models.MatchResult{}
		out.Elapsed = time.Since(start)
		return out, nil
	}

	maxDistance := 0.0
	for _, c := range cands {
		maxDistance = math.Max(maxDistance, c.DistanceMeters)
	}
	if maxDistance == 0 {
		maxDistance = 1
	}

	results := make([]models.MatchResult, 0, len(cands))
	for _, c := range cands {
		res, err := r.score(ctx, req, c, maxDistance)
		if err != nil {
			return Ranking{}, err
		}
		results = append(results, res)
	}
	// stable: equal scores keep geo order
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score < results[j].Score })

	out.Total = len(results)
	if len(results) > req.TopN {
		results = results[:req.TopN]
	}
	out.Items = results
	out.Elapsed = time.Since(start)

	if r.Stats != nil {
		r.Stats.Record(string(req.Algorithm), results[0], len(cands))
	}
	observability.MatchesTotal.WithLabelValues(string(req.Algorithm)).Inc()
	observability.MatchLatency.Observe(out.Elapsed.Seconds())
	r.logger().Info("match_completed",
		"algorithm", req.Algorithm,
		"candidates", len(cands),
		"elapsed_ms", out.Elapsed.Milliseconds(),
		"top_provider_id", results[0].ProviderID,
		"top_score", results[0].Score,
	)
	return out, nil
}

// Best returns the top-ranked candidate, ok=false when nobody is in range.
func (r *Ranker) Best(ctx context.Context, req Request) (models.MatchResult, bool, error) {
	req.TopN = 1
	ranking, err := r.Rank(ctx, req)
	if err != nil || len(ranking.Items) == 0 {
		return models.MatchResult{}, false, err
	}
	return ranking.Items[0], true, nil
}

func (r *Ranker) score(ctx context.Context, req Request, c geo.Candidate, maxDistance float64) (models.MatchResult, error) {
	var trust float64
	if err := r.retry(ctx, func() (err error) {
		trust, err = r.Trust.Score(ctx, c.ProviderID)
		return err
	}); err != nil {
		return models.MatchResult{}, err
	}
	var active int
	if err := r.retry(ctx, func() (err error) {
		active, err = r.Workload.ActiveCount(ctx, c.ProviderID)
		return err
	}); err != nil {
		return models.MatchResult{}, err
	}

	comp := models.MatchComponents{
		DistanceNorm:    c.DistanceMeters / maxDistance,
		TrustScore:      trust,
		TrustComponent:  1 - trust,
		WorkloadPenalty: r.Workload.Penalty(active),
	}
	if r.Stats != nil {
		comp.AvailabilityPenalty = math.Min(float64(r.Stats.Frequency(c.ProviderID))/float64(r.dominationCap()), 1)
	}

	var score float64
	switch req.Algorithm {
	case Baseline:
		score = comp.DistanceNorm
		comp.AvailabilityPenalty = 0
	case Hybrid:
		// legacy formula: rating stands in for trust
		inverseRating := 1 - math.Max(0, math.Min(c.Rating/5, 1))
		comp.TrustComponent = inverseRating
		score = 0.6*comp.DistanceNorm + 0.25*inverseRating + 0.15*comp.WorkloadPenalty
	default:
		w := r.Weights
		score = w.Distance*comp.DistanceNorm +
			w.Trust*comp.TrustComponent +
			w.Workload*comp.WorkloadPenalty +
			w.Availability*comp.AvailabilityPenalty
	}

	res := models.MatchResult{
		ProviderID:     c.ProviderID,
		ListingID:      c.ListingID,
		DistanceMeters: c.DistanceMeters,
		Rating:         c.Rating,
		Score:          score,
		ActiveBookings: active,
	}
	if req.Debug {
		res.Components = &comp
	}
	return res, nil
}

func (r *Ranker) dominationCap() int {
	if r.DominationCap > 0 {
		return r.DominationCap
	}
	return DefaultDominationCap
}

// retry runs fn again once after a backoff when the backend reports Unavailable.
func (r *Ranker) retry(ctx context.Context, fn func() error) error {
	err := fn()
	if !apperr.Is(err, apperr.KindUnavailable) {
		return err
	}
	r.logger().Warn("match backend unavailable, retrying", "error", err, "backoff", r.RetryBackoff)
	select {
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, ctx.Err(), "matching cancelled")
	case <-time.After(r.RetryBackoff):
	}
	return fn()
}
