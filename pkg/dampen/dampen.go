// Package dampen applies time-of-day dampening factors and account power
// ceilings to site interval series.
package dampen

import (
	"time"

	"github.com/raterudder/forecaster/pkg/types"
)

// Dampener scales intervals by the factors of one dampening configuration.
type Dampener struct {
	cfg types.DampeningConfig
	loc *time.Location
}

// New returns a Dampener for cfg evaluated in loc.
func New(cfg types.DampeningConfig, loc *time.Location) *Dampener {
	return &Dampener{cfg: cfg.Clone(), loc: loc}
}

// Config returns a copy of the configuration in use.
func (d *Dampener) Config() types.DampeningConfig {
	return d.cfg.Clone()
}

// Factor returns the multiplier for an interval of site starting at start.
func (d *Dampener) Factor(site string, start time.Time) float64 {
	return d.cfg.Factor(site, start, d.loc)
}

// Dampen scales every band of iv by the site's factor for its period.
func (d *Dampener) Dampen(site string, iv types.Interval) types.Interval {
	return iv.Scale(d.Factor(site, iv.PeriodStart))
}

// Series returns the dampened form of every interval starting at or after
// from. Excluded sites are copied unchanged apart from rounding.
func (d *Dampener) Series(site string, undampened []types.Interval, from time.Time, excluded bool) []types.Interval {
	out := make([]types.Interval, 0, len(undampened))
	for _, iv := range undampened {
		if iv.PeriodStart.Before(from) {
			continue
		}
		if excluded {
			out = append(out, iv.Rounded())
			continue
		}
		out = append(out, d.Dampen(site, iv))
	}
	return out
}
