// Package units converts between the IR's canonical units (seconds,
// requests-per-second, bytes) and provider-native representations, and maps
// canonical enum strings to provider vocabularies.
//
// All functions are pure; tables are immutable package-level values and safe
// for unsynchronized concurrent reads.
package units

import (
	"fmt"
	"math"
)

// Unit identifies a measurement unit.
type Unit string

const (
	Seconds      Unit = "seconds"
	Milliseconds Unit = "milliseconds"
	Minutes      Unit = "minutes"

	PerSecond Unit = "requests_per_second"
	PerMinute Unit = "requests_per_minute"
	PerHour   Unit = "requests_per_hour"

	Bytes     Unit = "bytes"
	Kilobytes Unit = "kilobytes"
	Megabytes Unit = "megabytes"
)

type dimension int

const (
	dimTime dimension = iota
	dimRate
	dimSize
	dimUnknown
)

// factor is the number of base units (seconds, req/s, bytes) per unit.
var factors = map[Unit]struct {
	dim    dimension
	factor float64
}{
	Seconds:      {dimTime, 1},
	Milliseconds: {dimTime, 0.001},
	Minutes:      {dimTime, 60},
	PerSecond:    {dimRate, 1},
	PerMinute:    {dimRate, 1.0 / 60},
	PerHour:      {dimRate, 1.0 / 3600},
	Bytes:        {dimSize, 1},
	Kilobytes:    {dimSize, 1024},
	Megabytes:    {dimSize, 1024 * 1024},
}

// Convert converts v from one unit to another within the same dimension.
// Conversions with integral results are exact.
func Convert(v float64, from, to Unit) (float64, error) {
	f, ok := factors[from]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", from)
	}
	t, ok := factors[to]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", to)
	}
	if f.dim != t.dim {
		return 0, fmt.Errorf("cannot convert %s to %s: different dimensions", from, to)
	}
	return v * f.factor / t.factor, nil
}

// ConvertInt converts v between units and rounds the result half up.
// Rounding policy: exact for integral results; fractional results round half
// away from zero toward positive infinity (2.5 -> 3, matching the documented
// contract), so converted limits never silently tighten by a whole unit.
func ConvertInt(v int64, from, to Unit) (int64, error) {
	out, err := Convert(float64(v), from, to)
	if err != nil {
		return 0, err
	}
	return RoundHalfUp(out), nil
}

// RoundHalfUp rounds half up: 2.5 -> 3, 2.4 -> 2, -2.5 -> -2.
func RoundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
