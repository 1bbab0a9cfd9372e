package recorder

import (
	"math"
	"strconv"
	"strings"
)

// sampleClock synthesizes per-pod timestamps. Pod clocks drift, reset on
// power cycles, and arrive jittered through the BLE gateway, so persisted
// timestamps never come from the pod: the first sample of a session lands at
// elapsed 0 and every later sample advances by exactly the pod's configured
// interval.
//
// Each step is rounded to the interval's own decimal precision. Repeated
// binary addition of 0.02 accumulates error (0.060000000000000005); the
// rounding cancels it so stored stamps are exact multiples of the interval.
type sampleClock struct {
	interval float64
	prec     int
	elapsed  float64
	started  bool
}

func newSampleClock(interval float64) *sampleClock {
	return &sampleClock{interval: interval, prec: decimalPlaces(interval)}
}

// next returns the elapsed-seconds stamp for the next sample.
func (c *sampleClock) next() float64 {
	if !c.started {
		c.started = true
		return 0
	}
	c.elapsed = roundTo(c.elapsed+c.interval, c.prec)
	return c.elapsed
}

func roundTo(v float64, places int) float64 {
	f := math.Pow10(places)
	return math.Round(v*f) / f
}

// decimalPlaces counts digits after the decimal point in v's shortest
// representation: 0.02 → 2, 0.1 → 1. Capped at 6 so intervals that do not
// terminate (1/30 s) still round hard enough to stay drift-free.
func decimalPlaces(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	if p := len(s) - i - 1; p < 6 {
		return p
	}
	return 6
}
