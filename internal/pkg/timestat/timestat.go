// Package timestat accumulates running min/max/count/total statistics over
// signed time deltas.
package timestat

import (
	"math"

	"github.com/endorses/lippytap/internal/pkg/nstime"
)

// TimeStat is a running accumulator. The zero value is ready to use.
type TimeStat struct {
	Min      nstime.Time
	MinFrame uint32
	Max      nstime.Time
	MaxFrame uint32
	Total    nstime.Time
	Num      uint32

	// sumSquares is kept in milliseconds squared for Variance.
	sumSquares float64
}

// Init clears all accumulated values.
func (s *TimeStat) Init() {
	*s = TimeStat{}
}

// Update folds one delta observed at frame into the statistics.
//
// The first sample becomes both min and max. Later samples replace min only
// when strictly smaller and max only when strictly larger.
func (s *TimeStat) Update(delta nstime.Time, frame uint32) {
	if s.Num == 0 {
		s.Min, s.MinFrame = delta, frame
		s.Max, s.MaxFrame = delta, frame
	} else {
		if nstime.Compare(delta, s.Min) < 0 {
			s.Min, s.MinFrame = delta, frame
		}
		if nstime.Compare(delta, s.Max) > 0 {
			s.Max, s.MaxFrame = delta, frame
		}
	}

	s.Total = s.Total.Add(delta)
	ms := delta.Milliseconds()
	s.sumSquares += ms * ms
	s.Num++
}

// Average returns the mean delta in milliseconds.
func (s *TimeStat) Average() float64 {
	return GetAverage(s.Total, s.Num)
}

// Variance returns the population variance of the samples in ms².
func (s *TimeStat) Variance() float64 {
	if s.Num == 0 {
		return 0
	}
	mean := s.Average()
	v := s.sumSquares/float64(s.Num) - mean*mean
	if v < 0 {
		// rounding noise on near-constant samples
		return 0
	}
	return v
}

// StdDev returns the population standard deviation in milliseconds.
func (s *TimeStat) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// GetAverage returns tot/num in milliseconds, or 0 when num is 0.
func GetAverage(tot nstime.Time, num uint32) float64 {
	if num == 0 {
		return 0
	}
	return tot.Milliseconds() / float64(num)
}
