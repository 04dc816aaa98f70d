// Package spline builds five minute resolution curves for one local day from
// thirty minute interval data.
package spline

import (
	"errors"
	"fmt"
	"time"

	"github.com/raterudder/forecaster/pkg/types"
)

const (
	// Step is the resolution of a curve.
	Step = 5 * time.Minute
	// Knots is the number of half hour knots in a day's curve. The extra
	// hour past midnight keeps the end of the day off the curve's edge.
	Knots = 50

	samplesPerKnot = int(types.IntervalLength / Step)
	// shift moves samples to the centre of the half hour they average
	shift = samplesPerKnot / 2
)

// ErrUnavailable is returned when a curve cannot answer a query.
var ErrUnavailable = errors.New("spline value unavailable")

// Kind selects the curve shape.
type Kind int

const (
	// Momentary curves interpolate instantaneous power.
	Momentary Kind = iota
	// Reducing curves interpolate the energy remaining until the end of
	// the data, which never increases through the day.
	Reducing
)

func (k Kind) String() string {
	if k == Reducing {
		return "reducing"
	}
	return "momentary"
}

// Curve is a built spline. Sample i covers DayStart + (Offset+i)*Step.
type Curve struct {
	Kind     Kind
	DayStart time.Time
	// Offset is the number of leading samples missing because the data
	// started after DayStart.
	Offset int
	Values []float64
}

// Build constructs a curve from the intervals of one band starting at
// dayStart. intervals must be sorted. Data starting after dayStart truncates
// the curve rather than extrapolating it, as does data that ends early.
func Build(kind Kind, dayStart time.Time, intervals []types.Interval, band types.Band) (*Curve, error) {
	first := -1
	for i, iv := range intervals {
		if !iv.PeriodStart.Before(dayStart) {
			first = i
			break
		}
	}
	if first < 0 {
		return nil, fmt.Errorf("%w: no data from %s", ErrUnavailable, dayStart.Format(time.RFC3339))
	}
	missing := int(intervals[first].PeriodStart.Sub(dayStart) / types.IntervalLength)
	if intervals[first].PeriodStart.Sub(dayStart)%types.IntervalLength != 0 {
		return nil, fmt.Errorf("%w: misaligned interval %s", ErrUnavailable, intervals[first].PeriodStart.Format(time.RFC3339))
	}

	// contiguous knots only
	var y []float64
	for i := first; i < len(intervals) && missing+len(y) < Knots; i++ {
		want := dayStart.Add(time.Duration(missing+len(y)) * types.IntervalLength)
		if !intervals[i].PeriodStart.Equal(want) {
			break
		}
		y = append(y, intervals[i].Value(band))
	}
	if len(y) < 2 {
		return nil, fmt.Errorf("%w: %d knots", ErrUnavailable, len(y))
	}

	if kind == Reducing {
		remaining := make([]float64, len(y))
		var sum float64
		for i := len(y) - 1; i >= 0; i-- {
			sum += y[i]
			remaining[i] = 0.5 * sum
		}
		y = remaining
	}

	x := make([]float64, len(y))
	for k := range x {
		x[k] = float64((missing + k) * int(types.IntervalLength/time.Second))
	}
	at := make([]float64, len(y)*samplesPerKnot)
	for s := range at {
		at[s] = float64((missing*samplesPerKnot + s) * int(Step/time.Second))
	}

	values, err := Cubic(x, y, at)
	if err != nil {
		return nil, err
	}
	values = sanitize(kind, values, y)

	return &Curve{
		Kind:     kind,
		DayStart: dayStart,
		Offset:   missing * samplesPerKnot,
		Values:   values,
	}, nil
}

// sanitize clamps negatives, removes upward bounce from reducing curves and
// zeroes momentary samples between two zero knots, then shifts the samples
// to the centre of their half hour.
func sanitize(kind Kind, values, y []float64) []float64 {
	for s := range values {
		if values[s] < 0 {
			values[s] = 0
		}
		switch kind {
		case Reducing:
			// s is processed in order so the clamp carries forward
			if s+1 < len(values) && values[s+1] > values[s] {
				values[s+1] = values[s]
			}
		default:
			k := s / samplesPerKnot
			if k+1 < len(y) && y[k] == 0 && y[k+1] == 0 {
				values[s] = 0
			}
		}
	}
	pad := 0.0
	if kind == Reducing {
		pad = values[0]
	}
	shifted := make([]float64, 0, len(values)+shift)
	for range shift {
		shifted = append(shifted, pad)
	}
	return append(shifted, values...)
}

// At returns the curve value at t floored to Step.
func (c *Curve) At(t time.Time) (float64, error) {
	if t.Before(c.DayStart) {
		return 0, fmt.Errorf("%w: %s before curve start", ErrUnavailable, t.Format(time.RFC3339))
	}
	slot := int(t.Sub(c.DayStart) / Step)
	idx := slot - c.Offset
	if idx < 0 || idx >= len(c.Values) {
		return 0, fmt.Errorf("%w: %s outside curve", ErrUnavailable, t.Format(time.RFC3339))
	}
	return c.Values[idx], nil
}

// Start is the first instant the curve covers.
func (c *Curve) Start() time.Time {
	return c.DayStart.Add(time.Duration(c.Offset) * Step)
}

// End is the instant just past the last sample.
func (c *Curve) End() time.Time {
	return c.DayStart.Add(time.Duration(c.Offset+len(c.Values)) * Step)
}
