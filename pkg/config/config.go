// Package config loads the account options file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/types"
	"gopkg.in/yaml.v3"
)

// AutoUpdate selects how scheduled updates are spread over the day.
type AutoUpdate string

const (
	AutoUpdateNone     AutoUpdate = "none"
	AutoUpdateDaylight AutoUpdate = "daylight"
	AutoUpdateAllDay   AutoUpdate = "all_day"
)

const (
	DefaultForecastDays = 8
	MaxForecastDays     = 14
	DefaultConcurrency  = 2
)

// SiteConfig is a statically configured site.
type SiteConfig struct {
	types.Site `yaml:",inline"`
	APIKey     string `yaml:"api_key"`
}

// Options are the account options. Unknown keys are rejected when parsing.
type Options struct {
	APIKeys      []string     `yaml:"api_keys"`
	APIQuota     []int        `yaml:"api_quota"`
	Timezone     string       `yaml:"timezone"`
	HardLimit    string       `yaml:"hard_limit"`
	ExcludeSites []string     `yaml:"exclude_sites"`
	AutoUpdate   AutoUpdate   `yaml:"auto_update"`
	ForecastDays int          `yaml:"forecast_days"`
	HistoryDays  int          `yaml:"history_days"`
	Concurrency  int          `yaml:"concurrency"`
	Sites        []SiteConfig `yaml:"sites"`
	UseBand      string       `yaml:"use_band"`
	FetchOnStale *bool        `yaml:"fetch_on_stale"`

	loc       *time.Location
	band      types.Band
	hardLimit types.HardLimit
}

// Configured registers the --config flag and loads the file it names when
// flags are parsed.
func Configured() *Options {
	path := lflag.String("config", "forecaster.yaml", "Path to the account options YAML file")

	var o Options
	lflag.Do(func() {
		loaded, err := Load(*path)
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
		o = *loaded
	})
	return &o
}

// Load reads and validates the options file at path.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes options from r, applies defaults and validates them.
func Parse(r io.Reader) (*Options, error) {
	var o Options
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	o.applyDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *Options) applyDefaults() {
	if o.Timezone == "" {
		o.Timezone = "UTC"
	}
	if o.HardLimit == "" {
		o.HardLimit = types.NoHardLimit
	}
	if o.AutoUpdate == "" {
		o.AutoUpdate = AutoUpdateNone
	}
	if o.ForecastDays == 0 {
		o.ForecastDays = DefaultForecastDays
	}
	if o.HistoryDays == 0 {
		o.HistoryDays = types.DampenedRetentionDays
	}
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.FetchOnStale == nil {
		t := true
		o.FetchOnStale = &t
	}
	for i := range o.APIKeys {
		o.APIKeys[i] = strings.TrimSpace(o.APIKeys[i])
	}
}

// Validate checks every option and caches the parsed forms.
func (o *Options) Validate() error {
	if len(o.APIKeys) == 0 {
		return &types.ValidationError{Field: "api_keys", Reason: "at least one key is required"}
	}
	for i, k := range o.APIKeys {
		if k == "" {
			return &types.ValidationError{Field: "api_keys", Reason: "empty key"}
		}
		if slices.Contains(o.APIKeys[:i], k) {
			return &types.ValidationError{Field: "api_keys", Reason: "duplicate key"}
		}
	}
	if len(o.APIQuota) > 1 && len(o.APIQuota) != len(o.APIKeys) {
		return &types.ValidationError{Field: "api_quota", Reason: fmt.Sprintf("%d values for %d keys", len(o.APIQuota), len(o.APIKeys))}
	}
	for _, q := range o.APIQuota {
		if q <= 0 {
			return &types.ValidationError{Field: "api_quota", Reason: fmt.Sprintf("%d is not positive", q)}
		}
	}

	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return &types.ValidationError{Field: "timezone", Reason: err.Error()}
	}
	o.loc = loc

	limit, err := types.ParseHardLimit(o.HardLimit, len(o.APIKeys))
	if err != nil {
		return err
	}
	o.hardLimit = limit

	switch o.AutoUpdate {
	case AutoUpdateNone, AutoUpdateDaylight, AutoUpdateAllDay:
	default:
		return &types.ValidationError{Field: "auto_update", Reason: fmt.Sprintf("unknown mode %q", o.AutoUpdate)}
	}
	if o.ForecastDays < DefaultForecastDays || o.ForecastDays > MaxForecastDays {
		return &types.ValidationError{Field: "forecast_days", Reason: fmt.Sprintf("%d is outside %d..%d", o.ForecastDays, DefaultForecastDays, MaxForecastDays)}
	}
	if o.HistoryDays < 1 {
		return &types.ValidationError{Field: "history_days", Reason: "must be positive"}
	}
	if o.Concurrency < 1 {
		return &types.ValidationError{Field: "concurrency", Reason: "must be positive"}
	}

	band, err := types.ParseBand(o.UseBand, types.BandEstimate)
	if err != nil {
		return err
	}
	o.band = band

	for _, s := range o.Sites {
		if s.ResourceID == "" {
			return &types.ValidationError{Field: "sites", Reason: "resource_id is required"}
		}
		if !slices.Contains(o.APIKeys, s.APIKey) {
			return &types.ValidationError{Field: "sites", Reason: fmt.Sprintf("site %s uses an unconfigured api_key", s.ResourceID)}
		}
	}
	return nil
}

// Location is the local time zone of the sites.
func (o *Options) Location() *time.Location {
	if o.loc == nil {
		return time.UTC
	}
	return o.loc
}

// Band is the default band for queries.
func (o *Options) Band() types.Band {
	if o.band == "" {
		return types.BandEstimate
	}
	return o.band
}

// ParsedHardLimit is the validated hard limit.
func (o *Options) ParsedHardLimit() types.HardLimit {
	return o.hardLimit
}

// Limits maps every key to its daily call limit. A single quota value applies
// to every key.
func (o *Options) Limits() map[string]int {
	out := make(map[string]int, len(o.APIKeys))
	for i, k := range o.APIKeys {
		switch {
		case len(o.APIQuota) == 1:
			out[k] = o.APIQuota[0]
		case i < len(o.APIQuota):
			out[k] = o.APIQuota[i]
		default:
			out[k] = types.DefaultDailyLimit
		}
	}
	return out
}

// StaticSites returns the configured sites with their keys and exclusion
// applied, or nil if sites are discovered from the provider.
func (o *Options) StaticSites() []types.Site {
	if len(o.Sites) == 0 {
		return nil
	}
	out := make([]types.Site, 0, len(o.Sites))
	for _, s := range o.Sites {
		site := s.Site
		site.APIKey = s.APIKey
		out = append(out, site)
	}
	return o.MarkExcluded(out)
}

// MarkExcluded sets Excluded on every site listed in exclude_sites.
func (o *Options) MarkExcluded(sites []types.Site) []types.Site {
	for i := range sites {
		sites[i].Excluded = slices.Contains(o.ExcludeSites, sites[i].ResourceID)
	}
	return sites
}
