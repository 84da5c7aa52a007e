// Package stats computes descriptive statistics over per-sample scores.
//
// All functions are pure and safe on empty input, which yields zero values.
package stats

import (
	"math"
	"sort"
)

// HistogramBuckets is the number of equal-width buckets over [0, 1].
const HistogramBuckets = 5

// DefaultConfidence is the confidence level used by Summarize.
const DefaultConfidence = 0.95

var zScores = map[float64]float64{
	0.90: 1.645,
	0.95: 1.96,
	0.99: 2.576,
}

// Summary describes a score population.
type Summary struct {
	Count     int                   `json:"count"`
	Mean      float64               `json:"mean"`
	Median    float64               `json:"median"`
	StdDev    float64               `json:"std_dev"`
	Min       float64               `json:"min"`
	Max       float64               `json:"max"`
	P25       float64               `json:"p25"`
	P75       float64               `json:"p75"`
	P90       float64               `json:"p90"`
	CILow     float64               `json:"ci95_low"`
	CIHigh    float64               `json:"ci95_high"`
	Histogram [HistogramBuckets]int `json:"histogram"`
}

// Summarize computes every statistic in one pass over a sorted copy.
func Summarize(scores []float64) Summary {
	if len(scores) == 0 {
		return Summary{}
	}
	sorted := sortedCopy(scores)
	mean := Mean(sorted)
	lo, hi := ConfidenceInterval(sorted, DefaultConfidence)
	return Summary{
		Count:     len(sorted),
		Mean:      mean,
		Median:    median(sorted),
		StdDev:    stdDev(sorted, mean),
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		P25:       percentile(sorted, 25),
		P75:       percentile(sorted, 75),
		P90:       percentile(sorted, 90),
		CILow:     lo,
		CIHigh:    hi,
		Histogram: Histogram(sorted),
	}
}

// Mean returns the arithmetic mean.
func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// Median returns the middle element; for even lengths the lower-middle one.
func Median(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	return median(sortedCopy(scores))
}

func median(sorted []float64) float64 {
	return sorted[(len(sorted)-1)/2]
}

// StdDev returns the population standard deviation.
func StdDev(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	return stdDev(scores, Mean(scores))
}

func stdDev(scores []float64, mean float64) float64 {
	var ss float64
	for _, s := range scores {
		d := s - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(scores)))
}

// Percentile returns the p-th percentile (0..100) with linear interpolation
// between closest ranks. p is clamped to [0, 100].
func Percentile(scores []float64, p float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	return percentile(sortedCopy(scores), p)
}

func percentile(sorted []float64, p float64) float64 {
	p = math.Max(0, math.Min(100, p))
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// ConfidenceInterval returns the normal-approximation interval for the mean,
// clamped to [0, 1]. Unknown levels use the 95% z-score.
func ConfidenceInterval(scores []float64, level float64) (float64, float64) {
	if len(scores) == 0 {
		return 0, 0
	}
	z, ok := zScores[level]
	if !ok {
		z = zScores[DefaultConfidence]
	}
	mean := Mean(scores)
	margin := z * StdDev(scores) / math.Sqrt(float64(len(scores)))
	return clamp01(mean - margin), clamp01(mean + margin)
}

// Histogram counts scores into five equal buckets over [0, 1]. The last
// bucket includes 1.0 and out-of-range values land in the edge buckets.
func Histogram(scores []float64) [HistogramBuckets]int {
	var h [HistogramBuckets]int
	for _, s := range scores {
		i := int(math.Floor(clamp01(s) * HistogramBuckets))
		if i >= HistogramBuckets {
			i = HistogramBuckets - 1
		}
		h[i]++
	}
	return h
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

func sortedCopy(scores []float64) []float64 {
	out := make([]float64, len(scores))
	copy(out, scores)
	sort.Float64s(out)
	return out
}
