package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/raterudder/forecaster/pkg/spline"
	"github.com/raterudder/forecaster/pkg/types"
)

// curveSpan is how far past the day start the curves reach.
const curveSpan = spline.Knots * types.IntervalLength

// Peak is the highest interval of a day.
type Peak struct {
	PeriodStart time.Time `json:"period_start"`
	Value       float64   `json:"value"`
}

func incomplete(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataIncomplete, fmt.Sprintf(format, args...))
}

func floorStep(t time.Time) time.Time {
	return t.Truncate(spline.Step)
}

// Total sums the band values of every interval overlapping [start, end) for
// key, which is a site or types.AllSites.
func (a *Aggregator) Total(start, end time.Time, key string, band types.Band) (float64, error) {
	v := a.view()
	ivs, err := v.intervals(key)
	if err != nil {
		return 0, err
	}
	band = v.bandOr(band)
	win, ok := window(ivs, start, end)
	if !ok {
		return 0, incomplete("no full coverage from %s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	var sum float64
	for _, iv := range win {
		sum += iv.Value(band)
	}
	return types.Round(sum), nil
}

// DayEnergy returns the kWh of the local day offset days from today.
func (a *Aggregator) DayEnergy(offset int, key string, band types.Band) (float64, error) {
	loc := a.Options().Location
	now := a.now()
	sum, err := a.Total(types.DayStart(now, loc, offset), types.DayStart(now, loc, offset+1), key, band)
	if err != nil {
		return 0, err
	}
	return types.Round(0.5 * sum), nil
}

// Moment returns the power in kW at t floored to five minutes. Within the
// current local day it reads the momentary curve, elsewhere it interpolates
// linearly between raw intervals.
func (a *Aggregator) Moment(t time.Time, key string, band types.Band) (float64, error) {
	v := a.view()
	band = v.bandOr(band)
	t = floorStep(t)
	if !t.Before(v.day) && t.Before(types.DayStart(v.day, v.loc, 1)) {
		c, err := v.curve(spline.Momentary, key, band)
		if err != nil {
			return 0, wrapCurve(err)
		}
		val, err := c.At(t)
		if err != nil {
			return 0, wrapCurve(err)
		}
		return val, nil
	}

	ivs, err := v.intervals(key)
	if err != nil {
		return 0, err
	}
	win, ok := window(ivs, t, t.Add(time.Second))
	if !ok || len(win) == 0 {
		return 0, incomplete("no interval at %s", t.Format(time.RFC3339))
	}
	cur := win[0]
	next, ok := window(ivs, cur.PeriodEnd(), cur.PeriodEnd().Add(time.Second))
	if !ok || len(next) == 0 {
		return cur.Value(band), nil
	}
	frac := float64(t.Sub(cur.PeriodStart)) / float64(types.IntervalLength)
	return types.Round(cur.Value(band) + (next[0].Value(band)-cur.Value(band))*frac), nil
}

// Remaining returns the kWh expected from t, floored to five minutes, until
// end. Within the current day's curve it reads the reducing curve and past
// the curve it prorates raw intervals.
func (a *Aggregator) Remaining(t, end time.Time, key string, band types.Band) (float64, error) {
	v := a.view()
	band = v.bandOr(band)
	ivs, err := v.intervals(key)
	if err != nil {
		return 0, err
	}
	t = floorStep(t)
	if !end.After(t) {
		return 0, nil
	}

	var total float64
	from := t
	limit := v.day.Add(curveSpan)
	if !t.Before(v.day) && t.Before(limit) {
		c, err := v.curve(spline.Reducing, key, band)
		if err != nil {
			return 0, wrapCurve(err)
		}
		startV, err := c.At(t)
		if err != nil {
			return 0, wrapCurve(err)
		}
		e := end
		if e.After(limit) {
			e = limit
		}
		var endV float64
		if e.Before(limit) {
			if endV, err = c.At(e); err != nil {
				return 0, wrapCurve(err)
			}
		} else if c.End().Before(limit) {
			return 0, incomplete("curve ends at %s", c.End().Format(time.RFC3339))
		}
		total = startV - endV
		from = limit
	}

	if end.After(from) {
		win, ok := window(ivs, from, end)
		if !ok {
			return 0, incomplete("no full coverage from %s to %s", from.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		for _, iv := range win {
			s := maxTime(iv.PeriodStart, from)
			e := minTime(iv.PeriodEnd(), end)
			total += 0.5 * iv.Value(band) * float64(e.Sub(s)) / float64(types.IntervalLength)
		}
	}
	return types.Round(math.Max(0, total)), nil
}

// Peak returns the highest interval of the local day offset days from today.
// The earliest wins a tie.
func (a *Aggregator) Peak(offset int, key string, band types.Band) (Peak, error) {
	v := a.view()
	band = v.bandOr(band)
	ivs, err := v.intervals(key)
	if err != nil {
		return Peak{}, err
	}
	start := types.DayStart(v.day, v.loc, offset)
	day := between(ivs, start, types.DayStart(v.day, v.loc, offset+1))
	if len(day) == 0 {
		return Peak{}, incomplete("no intervals on %s", start.Format(time.DateOnly))
	}
	best := Peak{PeriodStart: day[0].PeriodStart, Value: day[0].Value(band)}
	for _, iv := range day[1:] {
		if iv.Value(band) > best.Value {
			best = Peak{PeriodStart: iv.PeriodStart, Value: iv.Value(band)}
		}
	}
	return best, nil
}

// Hour returns the Wh expected in the nth hour from the start of the current
// local hour.
func (a *Aggregator) Hour(n int, key string, band types.Band) (int, error) {
	v := a.view()
	band = v.bandOr(band)
	ivs, err := v.intervals(key)
	if err != nil {
		return 0, err
	}
	now := a.now().In(v.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, v.loc).Add(time.Duration(n) * time.Hour)
	win, ok := window(ivs, start, start.Add(time.Hour))
	if !ok {
		return 0, incomplete("no full coverage of hour %s", start.Format(time.RFC3339))
	}
	var sum float64
	for _, iv := range win {
		sum += iv.Value(band)
	}
	return int(math.Round(500 * sum)), nil
}

// Custom returns the Wh remaining over the next hours from now.
func (a *Aggregator) Custom(hours int, key string, band types.Band) (int, error) {
	now := a.now()
	rem, err := a.Remaining(now, now.Add(time.Duration(hours)*time.Hour), key, band)
	if err != nil {
		return 0, err
	}
	return int(math.Round(1000 * rem)), nil
}

func wrapCurve(err error) error {
	if errors.Is(err, spline.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrDataIncomplete, err)
	}
	return err
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
