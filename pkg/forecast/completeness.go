package forecast

import (
	"time"

	"github.com/raterudder/forecaster/pkg/types"
)

// CompletenessDays is how many days from today completeness covers.
const CompletenessDays = 8

// DayCompleteness counts the intervals of one local day.
type DayCompleteness struct {
	Date      string `json:"date"`
	Expected  int    `json:"expected"`
	Intervals int    `json:"intervals"`
	Complete  bool   `json:"complete"`
}

// Completeness reports stored intervals per day.
type Completeness struct {
	Days []DayCompleteness `json:"days"`
	// CompleteDays is the run of complete days starting today.
	CompleteDays int `json:"complete_days"`
}

// Completeness counts the aggregate intervals of each of the next days
// against the number a day of that length holds, so a day with a daylight
// saving transition expects 46 or 50.
func (a *Aggregator) Completeness() Completeness {
	v := a.view()
	ivs := v.series[types.AllSites]
	out := Completeness{Days: make([]DayCompleteness, 0, CompletenessDays)}
	run := true
	for i := range CompletenessDays {
		start := types.DayStart(v.day, v.loc, i)
		end := types.DayStart(v.day, v.loc, i+1)
		d := DayCompleteness{
			Date:      start.Format(time.DateOnly),
			Expected:  int(end.Sub(start) / types.IntervalLength),
			Intervals: len(between(ivs, start, end)),
		}
		d.Complete = d.Intervals >= d.Expected
		if run && d.Complete {
			out.CompleteDays++
		} else {
			run = false
		}
		out.Days = append(out.Days, d)
	}
	return out
}

// DayDetail describes one local day of a series.
type DayDetail struct {
	Date    string `json:"date"`
	DayName string `json:"day_name"`
	// Correct is set when every half hour of a regular day is present.
	Correct bool `json:"correct"`
	// Energy is the day's kWh in the default band.
	Energy     float64          `json:"energy"`
	HalfHourly []types.Interval `json:"half_hourly"`
	Hourly     []types.Interval `json:"hourly"`
}

// DayDetail returns the series of the local day offset days from today.
func (a *Aggregator) DayDetail(offset int, key string) (DayDetail, error) {
	v := a.view()
	ivs, err := v.intervals(key)
	if err != nil {
		return DayDetail{}, err
	}
	start := types.DayStart(v.day, v.loc, offset)
	day := between(ivs, start, types.DayStart(v.day, v.loc, offset+1))

	var sum float64
	for _, iv := range day {
		sum += iv.Value(v.band)
	}
	return DayDetail{
		Date:       start.Format(time.DateOnly),
		DayName:    start.Weekday().String(),
		Correct:    len(day) >= 48,
		Energy:     types.Round(0.5 * sum),
		HalfHourly: append([]types.Interval{}, day...),
		Hourly:     hourly(day),
	}, nil
}

// hourly averages consecutive pairs of intervals. An odd count drops the
// first interval so pairs end on the hour.
func hourly(day []types.Interval) []types.Interval {
	out := make([]types.Interval, 0, len(day)/2)
	for i := len(day) % 2; i+1 < len(day); i += 2 {
		a, b := day[i], day[i+1]
		out = append(out, types.Interval{
			PeriodStart: a.PeriodStart,
			Estimate:    (a.Estimate + b.Estimate) / 2,
			Estimate10:  (a.Estimate10 + b.Estimate10) / 2,
			Estimate90:  (a.Estimate90 + b.Estimate90) / 2,
		}.Rounded())
	}
	return out
}
