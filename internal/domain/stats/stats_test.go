package stats_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/okian/evalboard/internal/domain/stats"
	. "github.com/smartystreets/goconvey/convey"
)

func TestSummarize(t *testing.T) {
	Convey("Given an empty population", t, func() {
		s := stats.Summarize(nil)

		Convey("Then every statistic is zero", func() {
			So(s, ShouldResemble, stats.Summary{})
			lo, hi := stats.ConfidenceInterval(nil, 0.95)
			So(lo, ShouldEqual, 0)
			So(hi, ShouldEqual, 0)
			So(stats.Median(nil), ShouldEqual, 0)
			So(stats.Percentile(nil, 50), ShouldEqual, 0)
			So(stats.StdDev(nil), ShouldEqual, 0)
		})
	})

	Convey("Given scores [1, 0, 1, 1, 0]", t, func() {
		s := stats.Summarize([]float64{1, 0, 1, 1, 0})

		Convey("Then the summary matches hand computation", func() {
			So(s.Count, ShouldEqual, 5)
			So(s.Mean, ShouldAlmostEqual, 0.6, 1e-12)
			So(s.Median, ShouldEqual, 1)
			So(s.Min, ShouldEqual, 0)
			So(s.Max, ShouldEqual, 1)
			So(s.StdDev, ShouldAlmostEqual, math.Sqrt(0.24), 1e-12)
			So(s.Histogram, ShouldResemble, [5]int{2, 0, 0, 0, 3})
		})
	})

	Convey("Given an even-length population", t, func() {
		Convey("The median is the lower-middle element", func() {
			So(stats.Median([]float64{0.4, 0.1, 0.3, 0.2}), ShouldEqual, 0.2)
		})
	})

	Convey("Given percentiles", t, func() {
		xs := []float64{0, 0.25, 0.5, 0.75, 1}
		So(stats.Percentile(xs, 0), ShouldEqual, 0)
		So(stats.Percentile(xs, 100), ShouldEqual, 1)
		So(stats.Percentile(xs, 50), ShouldEqual, 0.5)
		So(stats.Percentile([]float64{0, 1}, 25), ShouldAlmostEqual, 0.25, 1e-12)
		So(stats.Percentile(xs, 150), ShouldEqual, 1)
		So(stats.Percentile([]float64{0.7}, 10), ShouldEqual, 0.7)
	})

	Convey("Given confidence levels", t, func() {
		xs := []float64{0.2, 0.4, 0.6, 0.8}
		lo90, hi90 := stats.ConfidenceInterval(xs, 0.90)
		lo99, hi99 := stats.ConfidenceInterval(xs, 0.99)
		loX, hiX := stats.ConfidenceInterval(xs, 0.5)
		lo95, hi95 := stats.ConfidenceInterval(xs, 0.95)

		Convey("Higher confidence widens the interval", func() {
			So(hi99-lo99, ShouldBeGreaterThan, hi90-lo90)
		})
		Convey("Unknown levels fall back to 95%", func() {
			So(loX, ShouldEqual, lo95)
			So(hiX, ShouldEqual, hi95)
		})
		Convey("Intervals are clamped to [0, 1]", func() {
			lo, hi := stats.ConfidenceInterval([]float64{0, 1}, 0.99)
			So(lo, ShouldEqual, 0)
			So(hi, ShouldEqual, 1)
		})
	})

	Convey("Given out-of-range values", t, func() {
		h := stats.Histogram([]float64{-0.5, 0.19, 0.2, 0.99, 1.0, 3, math.NaN()})
		So(h, ShouldResemble, [5]int{3, 1, 0, 0, 3})
	})
}

func TestSummarizeProperties(t *testing.T) {
	Convey("Given random populations", t, func() {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 200; i++ {
			n := 1 + rng.Intn(60)
			xs := make([]float64, n)
			for j := range xs {
				xs[j] = rng.Float64()
			}
			s := stats.Summarize(xs)

			So(s.Mean, ShouldBeBetweenOrEqual, s.Min, s.Max)
			So(s.Median, ShouldBeBetweenOrEqual, s.Min, s.Max)
			So(s.P25, ShouldBeLessThanOrEqualTo, s.P75)
			So(s.P75, ShouldBeLessThanOrEqualTo, s.P90)
			So(s.CILow, ShouldBeLessThanOrEqualTo, s.CIHigh)
			total := 0
			for _, c := range s.Histogram {
				total += c
			}
			So(total, ShouldEqual, n)
		}
	})

	Convey("Summarize does not reorder its input", t, func() {
		xs := []float64{0.9, 0.1, 0.5}
		_ = stats.Summarize(xs)
		So(xs, ShouldResemble, []float64{0.9, 0.1, 0.5})
	})
}
