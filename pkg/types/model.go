package types

import (
	"fmt"
	"math"
	"time"
)

const (
	// AllSites addresses the aggregate of every non-excluded site. As a
	// dampening key it applies granular factors to every site.
	AllSites = "all"

	// IntervalLength is the width of one provider sample.
	IntervalLength = 30 * time.Minute

	// NoHardLimit is the sentinel hard limit value that disables limiting.
	NoHardLimit = "100.0"
)

// Band selects one of the three confidence estimates of an interval.
type Band string

const (
	BandEstimate   Band = "pv_estimate"
	BandEstimate10 Band = "pv_estimate10"
	BandEstimate90 Band = "pv_estimate90"
)

// Bands lists every band in the order they are persisted.
var Bands = []Band{BandEstimate, BandEstimate10, BandEstimate90}

// ParseBand converts a band name, or the short names "50", "10" and "90", to a
// Band. An empty string yields the fallback.
func ParseBand(s string, fallback Band) (Band, error) {
	switch s {
	case "":
		return fallback, nil
	case string(BandEstimate), "50", "estimate":
		return BandEstimate, nil
	case string(BandEstimate10), "10", "estimate10":
		return BandEstimate10, nil
	case string(BandEstimate90), "90", "estimate90":
		return BandEstimate90, nil
	}
	return "", &ValidationError{Field: "band", Reason: fmt.Sprintf("unknown band %q", s)}
}

// Variant identifies one persisted interval series.
type Variant string

const (
	VariantDampened   Variant = "dampened"
	VariantUndampened Variant = "undampened"
	VariantActuals    Variant = "actuals"
)

// Variants lists every persisted variant.
var Variants = []Variant{VariantDampened, VariantUndampened, VariantActuals}

const (
	DampenedRetentionDays   = 730
	UndampenedRetentionDays = 14
)

// Site is one rooftop site owned by an account key.
type Site struct {
	ResourceID  string  `json:"resource_id" yaml:"resource_id"`
	Name        string  `json:"name" yaml:"name"`
	APIKey      string  `json:"-" yaml:"-"`
	Capacity    float64 `json:"capacity" yaml:"capacity"`
	CapacityDC  float64 `json:"capacity_dc" yaml:"capacity_dc"`
	Azimuth     float64 `json:"azimuth" yaml:"azimuth"`
	Tilt        float64 `json:"tilt" yaml:"tilt"`
	InstallDate string  `json:"install_date" yaml:"install_date"`
	LossFactor  float64 `json:"loss_factor" yaml:"loss_factor"`
	// Excluded sites are reported individually but left out of the aggregate.
	Excluded bool `json:"excluded" yaml:"-"`
}

// Interval is one 30 minute sample keyed by its UTC PeriodStart.
type Interval struct {
	PeriodStart time.Time `json:"period_start"`
	Estimate    float64   `json:"pv_estimate"`
	Estimate10  float64   `json:"pv_estimate10"`
	Estimate90  float64   `json:"pv_estimate90"`
}

// Value returns the estimate for the band.
func (iv Interval) Value(b Band) float64 {
	switch b {
	case BandEstimate10:
		return iv.Estimate10
	case BandEstimate90:
		return iv.Estimate90
	default:
		return iv.Estimate
	}
}

// Set stores v as the estimate for the band.
func (iv *Interval) Set(b Band, v float64) {
	switch b {
	case BandEstimate10:
		iv.Estimate10 = v
	case BandEstimate90:
		iv.Estimate90 = v
	default:
		iv.Estimate = v
	}
}

// PeriodEnd is the exclusive end of the interval.
func (iv Interval) PeriodEnd() time.Time {
	return iv.PeriodStart.Add(IntervalLength)
}

// Scale multiplies every band by factor, rounding the results.
func (iv Interval) Scale(factor float64) Interval {
	return Interval{
		PeriodStart: iv.PeriodStart,
		Estimate:    Round(Round(iv.Estimate) * factor),
		Estimate10:  Round(Round(iv.Estimate10) * factor),
		Estimate90:  Round(Round(iv.Estimate90) * factor),
	}
}

// Rounded returns the interval with every band rounded.
func (iv Interval) Rounded() Interval {
	return Interval{
		PeriodStart: iv.PeriodStart,
		Estimate:    Round(iv.Estimate),
		Estimate10:  Round(iv.Estimate10),
		Estimate90:  Round(iv.Estimate90),
	}
}

// Round rounds to the four decimal places every stored value is kept at.
func Round(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DayStart returns local midnight offset days from the day containing t.
func DayStart(t time.Time, loc *time.Location, offset int) time.Time {
	d := StartOfDay(t, loc)
	return time.Date(d.Year(), d.Month(), d.Day()+offset, 0, 0, 0, 0, loc)
}
