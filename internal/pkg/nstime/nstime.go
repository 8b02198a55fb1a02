// Package nstime provides a seconds/nanoseconds timestamp and delta type.
//
// Values are kept normalized: Nsecs is in (-1e9, 1e9) and carries the same
// sign as Secs whenever Secs is non-zero, so lexicographic comparison of
// (Secs, Nsecs) matches numeric order.
package nstime

import (
	"fmt"
	"time"
)

const nsPerSec = int64(time.Second)

// Time is an absolute timestamp or a signed delta at nanosecond resolution.
type Time struct {
	Secs  int64
	Nsecs int32
}

// New returns a normalized Time.
func New(secs int64, nsecs int64) Time {
	return normalize(secs, nsecs)
}

// FromTime converts a wall-clock time.
func FromTime(t time.Time) Time {
	if t.IsZero() {
		return Time{}
	}
	return New(t.Unix(), int64(t.Nanosecond()))
}

// FromDuration converts a duration into a delta.
func FromDuration(d time.Duration) Time {
	ns := int64(d)
	return normalize(ns/nsPerSec, ns%nsPerSec)
}

// Delta returns a - b.
func Delta(a, b Time) Time {
	return normalize(a.Secs-b.Secs, int64(a.Nsecs)-int64(b.Nsecs))
}

// Add returns t + o.
func (t Time) Add(o Time) Time {
	return normalize(t.Secs+o.Secs, int64(t.Nsecs)+int64(o.Nsecs))
}

// Compare returns -1, 0 or +1 ordering a against b by (Secs, Nsecs).
func Compare(a, b Time) int {
	switch {
	case a.Secs < b.Secs:
		return -1
	case a.Secs > b.Secs:
		return 1
	case a.Nsecs < b.Nsecs:
		return -1
	case a.Nsecs > b.Nsecs:
		return 1
	default:
		return 0
	}
}

// Less reports whether t sorts before o.
func (t Time) Less(o Time) bool {
	return Compare(t, o) < 0
}

// IsZero reports whether t is the zero value.
func (t Time) IsZero() bool {
	return t.Secs == 0 && t.Nsecs == 0
}

// Nanoseconds returns the value as a single nanosecond count.
func (t Time) Nanoseconds() int64 {
	return t.Secs*nsPerSec + int64(t.Nsecs)
}

// Duration converts a delta to a time.Duration.
func (t Time) Duration() time.Duration {
	return time.Duration(t.Nanoseconds())
}

// Time converts an absolute timestamp to wall-clock time.
func (t Time) Time() time.Time {
	return time.Unix(t.Secs, int64(t.Nsecs))
}

// Milliseconds returns the value in (fractional) milliseconds.
func (t Time) Milliseconds() float64 {
	return float64(t.Secs)*1000 + float64(t.Nsecs)/1e6
}

// String formats as seconds with nine decimal places.
func (t Time) String() string {
	if t.Secs < 0 || t.Nsecs < 0 {
		secs, nsecs := t.Secs, int64(t.Nsecs)
		if secs < 0 {
			secs = -secs
		}
		if nsecs < 0 {
			nsecs = -nsecs
		}
		return fmt.Sprintf("-%d.%09d", secs, nsecs)
	}
	return fmt.Sprintf("%d.%09d", t.Secs, t.Nsecs)
}

func normalize(secs, nsecs int64) Time {
	secs += nsecs / nsPerSec
	nsecs %= nsPerSec
	if secs > 0 && nsecs < 0 {
		secs--
		nsecs += nsPerSec
	} else if secs < 0 && nsecs > 0 {
		secs++
		nsecs -= nsPerSec
	}
	return Time{Secs: secs, Nsecs: int32(nsecs)}
}
