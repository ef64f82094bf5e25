package matcher

import (
	"math"
	"sync"

	"github.com/example/provider-matching/internal/models"
)

// Recorder keeps process-lifetime selection counters. Losing them resets the
// anti-domination penalty and nothing else.
type Recorder interface {
	Record(algorithm string, winner models.MatchResult, candidateCount int)
	Frequency(providerID int64) int
	Summarize() Summary
}

type algoStats struct {
	count          int
	distanceSum    float64
	distanceSqSum  float64
	activeSum      float64
	activeSqSum    float64
	candidateSum   float64
	candidateSqSum float64
	providerFreq   map[int64]int
}

type AlgorithmSummary struct {
	Requests          int           `json:"requests"`
	AvgDistanceKm     float64       `json:"avg_distance_km"`
	AvgActiveBookings float64       `json:"avg_active_bookings"`
	WorkloadStddev    float64       `json:"workload_stddev"`
	CandidateAvg      float64       `json:"candidate_avg"`
	CandidateStddev   float64       `json:"candidate_stddev"`
	ProviderFrequency map[int64]int `json:"provider_frequency"`
}

type Summary struct {
	Algorithms map[string]AlgorithmSummary `json:"algorithms"`
	Fairness   struct {
		WorkloadStddev map[string]float64 `json:"workload_stddev"`
	} `json:"fairness"`
}

type FairnessStats struct {
	mu    sync.Mutex
	algos map[string]*algoStats
}

func NewFairnessStats() *FairnessStats {
	fs := &FairnessStats{algos: make(map[string]*algoStats)}
	for _, a := range []Algorithm{Baseline, Hybrid, TrustHybrid} {
		fs.algos[string(a)] = newAlgoStats()
	}
	return fs
}

func newAlgoStats() *algoStats { return &algoStats{providerFreq: make(map[int64]int)} }

func (f *FairnessStats) Record(algorithm string, winner models.MatchResult, candidateCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.algos[algorithm]
	if !ok {
		s = newAlgoStats()
		f.algos[algorithm] = s
	}
	km := winner.DistanceMeters / 1000
	active := float64(winner.ActiveBookings)
	cands := float64(candidateCount)
	s.count++
	s.distanceSum += km
	s.distanceSqSum += km * km
	s.activeSum += active
	s.activeSqSum += active * active
	s.candidateSum += cands
	s.candidateSqSum += cands * cands
	s.providerFreq[winner.ProviderID]++
}

// Frequency is the provider's win count summed over every algorithm.
func (f *FairnessStats) Frequency(providerID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, s := range f.algos {
		total += s.providerFreq[providerID]
	}
	return total
}

func (f *FairnessStats) Summarize() Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out Summary
	out.Algorithms = make(map[string]AlgorithmSummary, len(f.algos))
	out.Fairness.WorkloadStddev = make(map[string]float64, len(f.algos))
	for name, s := range f.algos {
		freq := make(map[int64]int, len(s.providerFreq))
		for k, v := range s.providerFreq {
			freq[k] = v
		}
		as := AlgorithmSummary{
			Requests:          s.count,
			AvgDistanceKm:     mean(s.distanceSum, s.count),
			AvgActiveBookings: mean(s.activeSum, s.count),
			WorkloadStddev:    stddev(s.activeSum, s.activeSqSum, s.count),
			CandidateAvg:      mean(s.candidateSum, s.count),
			CandidateStddev:   stddev(s.candidateSum, s.candidateSqSum, s.count),
			ProviderFrequency: freq,
		}
		out.Algorithms[name] = as
		out.Fairness.WorkloadStddev[name] = as.WorkloadStddev
	}
	return out
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func stddev(sum, sumSq float64, n int) float64 {
	if n <= 1 {
		return 0
	}
	m := sum / float64(n)
	v := sumSq/float64(n) - m*m
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
