package dampen

import (
	"math"
	"slices"
	"time"

	"github.com/raterudder/forecaster/pkg/types"
)

// Limiter apportions each account's power ceiling across its sites in
// proportion to their share of the account total for every interval.
type Limiter struct {
	limit types.HardLimit
	keys  []string
}

// NewLimiter returns a Limiter for limit. keys is the configured account key
// order used to match per-key limits.
func NewLimiter(limit types.HardLimit, keys []string) *Limiter {
	return &Limiter{limit: limit, keys: slices.Clone(keys)}
}

// Enabled reports whether any ceiling applies.
func (l *Limiter) Enabled() bool {
	return l.limit.Enabled()
}

// CapPeriod caps the site values of one interval and band so that they sum to
// no more than limit. Every site keeps its share of the total, floored to four
// places so the rounded values never add up past limit. A zero total is
// returned unchanged.
func CapPeriod(values map[string]float64, limit float64) map[string]float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	out := make(map[string]float64, len(values))
	for site, v := range values {
		if total == 0 {
			out[site] = v
			continue
		}
		share := v / total * limit
		if share >= v {
			out[site] = v
			continue
		}
		out[site] = floor4(share)
	}
	return out
}

// floor4 truncates v to four decimal places. The small offset keeps values
// already on the grid, like 0.6000000000000001, from dropping a step.
func floor4(v float64) float64 {
	return math.Floor(v*10000+1e-6) / 10000
}

// Apply returns series with every account's ceiling applied. siteKeys maps
// each site to its account key. With a single configured limit every site
// forms one group; with several, sites are grouped by account key. The input
// is not modified.
func (l *Limiter) Apply(series map[string][]types.Interval, siteKeys map[string]string) map[string][]types.Interval {
	out := make(map[string][]types.Interval, len(series))
	for site, ivs := range series {
		out[site] = slices.Clone(ivs)
	}
	if !l.Enabled() {
		return out
	}

	groups := map[string][]string{}
	for site := range series {
		group := types.AllSites
		if l.limit.MultiKey() {
			group = siteKeys[site]
		}
		groups[group] = append(groups[group], site)
	}

	for group, sites := range groups {
		limit := l.limit.ForKey(l.keys, group)
		slices.Sort(sites)

		// index each site's intervals by start
		index := make(map[string]map[int64]int, len(sites))
		var periods []time.Time
		seen := map[int64]bool{}
		for _, site := range sites {
			idx := make(map[int64]int, len(out[site]))
			for i, iv := range out[site] {
				key := iv.PeriodStart.Unix()
				idx[key] = i
				if !seen[key] {
					seen[key] = true
					periods = append(periods, iv.PeriodStart)
				}
			}
			index[site] = idx
		}

		for _, period := range periods {
			key := period.Unix()
			for _, band := range types.Bands {
				values := make(map[string]float64, len(sites))
				for _, site := range sites {
					if i, ok := index[site][key]; ok {
						values[site] = out[site][i].Value(band)
					}
				}
				for site, v := range CapPeriod(values, limit) {
					out[site][index[site][key]].Set(band, v)
				}
			}
		}
	}
	return out
}
