package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// DampeningConfigVersion is the current version of the persisted dampening
// configuration.
const DampeningConfigVersion = 1

// DampeningConfig holds either legacy per-hour factors or granular per-site
// factors. Granular mode is active whenever Granular is non-empty.
type DampeningConfig struct {
	Version  int                  `json:"version"`
	Hourly   HourlyFactors        `json:"hourly"`
	Granular map[string][]float64 `json:"granular,omitempty"`
}

// HourlyFactors maps local hour 0..23 to a factor. It is persisted as an
// object keyed by the hour number.
type HourlyFactors [24]float64

// MarshalJSON encodes the factors as {"0": f, ..., "23": f}.
func (h HourlyFactors) MarshalJSON() ([]byte, error) {
	b := []byte{'{'}
	for i, f := range h {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendQuote(b, strconv.Itoa(i))
		b = append(b, ':')
		b = strconv.AppendFloat(b, f, 'f', -1, 64)
	}
	return append(b, '}'), nil
}

// UnmarshalJSON decodes {"0": f, ...}. Missing hours default to 1.0.
func (h *HourlyFactors) UnmarshalJSON(data []byte) error {
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i := range h {
		h[i] = 1.0
	}
	for k, v := range raw {
		hour, err := strconv.Atoi(k)
		if err != nil || hour < 0 || hour > 23 {
			return fmt.Errorf("invalid dampening hour %q", k)
		}
		h[hour] = v
	}
	return nil
}

// DefaultDampening returns a configuration that leaves every value unchanged.
func DefaultDampening() DampeningConfig {
	var h HourlyFactors
	for i := range h {
		h[i] = 1.0
	}
	return DampeningConfig{
		Version: DampeningConfigVersion,
		Hourly:  h,
	}
}

// GranularActive reports whether granular factors replace the hourly ones.
func (c DampeningConfig) GranularActive() bool {
	return len(c.Granular) > 0
}

// Clone returns a deep copy of the configuration.
func (c DampeningConfig) Clone() DampeningConfig {
	out := c
	if c.Granular != nil {
		out.Granular = make(map[string][]float64, len(c.Granular))
		for k, v := range c.Granular {
			out.Granular[k] = slices.Clone(v)
		}
	}
	return out
}

// Factor returns the multiplier for an interval of site starting at start,
// using local time in loc. The result never exceeds 1.0.
func (c DampeningConfig) Factor(site string, start time.Time, loc *time.Location) float64 {
	local := start.In(loc)
	factor := 1.0
	if c.GranularActive() {
		list, ok := c.Granular[AllSites]
		if !ok {
			list, ok = c.Granular[site]
		}
		if ok {
			idx := local.Hour()
			if len(list) != 24 {
				idx = local.Hour() * 2
				if local.Minute() > 0 {
					idx++
				}
			}
			if idx < len(list) {
				factor = list[idx]
			}
		}
	} else {
		factor = c.Hourly[local.Hour()]
	}
	return min(1.0, factor)
}

// Factors returns the active factors for site. An empty site returns the
// hourly factors when granular mode is off, otherwise the "all" list. The
// boolean is false if no factors are configured for the requested site.
func (c DampeningConfig) Factors(site string) ([]float64, bool) {
	if !c.GranularActive() {
		if site == "" || site == AllSites {
			return slices.Clone(c.Hourly[:]), true
		}
		return nil, false
	}
	if site == "" {
		site = AllSites
	}
	list, ok := c.Granular[site]
	if !ok {
		return nil, false
	}
	return slices.Clone(list), true
}

// WithFactors validates and applies a set_dampening request, returning the
// new configuration. knownSites lists the configured site identifiers.
//
//	24 values, no site:          legacy hourly factors, granular mode cleared
//	48 values, no site:          granular factors for "all"
//	24 or 48 values, known site: granular factors for that site
//	48 values, "all":            granular factors for every site
func (c DampeningConfig) WithFactors(site string, factors []float64, knownSites []string) (DampeningConfig, error) {
	if len(factors) != 24 && len(factors) != 48 {
		return c, &ValidationError{
			Field:  "damp_factor",
			Reason: fmt.Sprintf("expected 24 or 48 factors, got %d", len(factors)),
		}
	}
	for i, f := range factors {
		if f < 0 || f > 1 {
			return c, &ValidationError{
				Field:  "damp_factor",
				Reason: fmt.Sprintf("factor %d (%g) must be between 0.0 and 1.0", i, f),
			}
		}
	}
	if site == "" && len(factors) == 48 {
		site = AllSites
	}
	if site != "" {
		if site == AllSites {
			if len(factors) != 48 {
				return c, &ValidationError{
					Field:  "site",
					Reason: "all sites requires 48 factors",
				}
			}
		} else if !slices.Contains(knownSites, site) {
			return c, &ValidationError{
				Field:  "site",
				Reason: fmt.Sprintf("unknown site %q", site),
			}
		}
	}

	out := c.Clone()
	out.Version = DampeningConfigVersion
	if site == "" {
		copy(out.Hourly[:], factors)
		out.Granular = nil
		return out, nil
	}
	if out.Granular == nil {
		out.Granular = map[string][]float64{}
	}
	out.Granular[site] = slices.Clone(factors)
	return out, nil
}
