// Package calibration maps raw instrument values (0-10V) to engineering units.
package calibration

import (
	"errors"
	"fmt"
	"math"
)

// hardwareOffset is subtracted from the raw value before scaling. Reserved
// for a per-hardware calibration constant.
const hardwareOffset = 0.0

// fullScale is the raw input range the span is spread over
const fullScale = 10.0

// ErrZeroWidthSpan is returned for a span whose bounds are equal
var ErrZeroWidthSpan = errors.New("calibration span has zero width")

// Span is a linear raw -> engineering unit transform
type Span struct {
	Lower       float64
	Upper       float64
	ScaleFactor float64
	configured  bool
}

// Identity is the pass-through span
var Identity = Span{ScaleFactor: 1}

// NewSpan builds a span from optional bounds. If either bound is absent the
// span is the identity.
func NewSpan(lower, upper *float64) (Span, error) {
	if lower == nil || upper == nil {
		return Identity, nil
	}
	if *upper == *lower {
		return Span{}, fmt.Errorf("%w: lower=upper=%g", ErrZeroWidthSpan, *lower)
	}
	return Span{
		Lower:       *lower,
		Upper:       *upper,
		ScaleFactor: (*upper - *lower) / fullScale,
		configured:  true,
	}, nil
}

// Configured reports whether the span transforms values
func (s Span) Configured() bool {
	return s.configured
}

// Transform returns the engineering-unit value for raw
func (s Span) Transform(raw float64) float64 {
	if !s.configured {
		return raw
	}
	return s.Lower + math.Max(raw-hardwareOffset, 0)*s.ScaleFactor
}

type key struct {
	device    string
	sensorVar string
}

// Set holds the configured spans indexed by device and sensor variable
type Set struct {
	spans map[key]Span
}

// Bounds is the stored form of a span
type Bounds struct {
	Device    string
	SensorVar string
	Lower     *float64
	Upper     *float64
}

// BuildSet validates every span; a zero-width span fails the whole set.
func BuildSet(rows []Bounds) (*Set, error) {
	s := &Set{spans: make(map[key]Span, len(rows))}
	for _, r := range rows {
		span, err := NewSpan(r.Lower, r.Upper)
		if err != nil {
			return nil, fmt.Errorf("span %s/%s: %w", r.Device, r.SensorVar, err)
		}
		s.spans[key{r.Device, r.SensorVar}] = span
	}
	return s, nil
}

// Lookup returns the span for device/sensor, or Identity
func (s *Set) Lookup(device, sensorVar string) Span {
	if s == nil {
		return Identity
	}
	if span, ok := s.spans[key{device, sensorVar}]; ok {
		return span
	}
	return Identity
}

// Transform applies the device/sensor span to raw
func (s *Set) Transform(device, sensorVar string, raw float64) float64 {
	return s.Lookup(device, sensorVar).Transform(raw)
}
