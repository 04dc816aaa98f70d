package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// CurrentDocumentVersion is the current version of the persisted forecast
// document. Increment this value when the structure changes and add a case to
// MigrateDocument.
const CurrentDocumentVersion = 8

const (
	// AutoUpdatedForced marks a document last written by a forced update.
	AutoUpdatedForced = 99999
	// AutoUpdatedManual marks a document last written by a manual update.
	AutoUpdatedManual = 0
)

// Epoch is the last_updated value of a document that never received data.
var Epoch = time.Unix(0, 0).UTC()

// FailureStats counts failed or retried provider calls.
type FailureStats struct {
	Last24h int   `json:"last_24h"`
	Last7d  []int `json:"last_7d"`
	Last14d []int `json:"last_14d"`
}

// NewFailureStats returns zeroed counters.
func NewFailureStats() FailureStats {
	return FailureStats{
		Last7d:  make([]int, 7),
		Last14d: make([]int, 14),
	}
}

// Increment records one failure for today.
func (f *FailureStats) Increment() {
	f.normalize()
	f.Last24h++
	f.Last7d[0] = f.Last24h
	f.Last14d[0] = f.Last24h
}

// Rollover starts a new day: the daily counter is cleared and the rolling
// windows shift by one day.
func (f *FailureStats) Rollover() {
	f.normalize()
	f.Last24h = 0
	f.Last7d = append([]int{0}, f.Last7d[:len(f.Last7d)-1]...)
	f.Last14d = append([]int{0}, f.Last14d[:len(f.Last14d)-1]...)
}

// Sum7d returns the failures over the last seven days.
func (f FailureStats) Sum7d() int {
	return sum(f.Last7d)
}

// Sum14d returns the failures over the last fourteen days.
func (f FailureStats) Sum14d() int {
	return sum(f.Last14d)
}

func (f *FailureStats) normalize() {
	if len(f.Last7d) != 7 {
		f.Last7d = resize(f.Last7d, 7)
	}
	if len(f.Last14d) != 14 {
		f.Last14d = resize(f.Last14d, 14)
	}
}

func resize(s []int, n int) []int {
	out := make([]int, n)
	copy(out, s)
	return out
}

func sum(s []int) int {
	var total int
	for _, v := range s {
		total += v
	}
	return total
}

// SiteForecasts is the ordered interval list of one site.
type SiteForecasts struct {
	Forecasts []Interval `json:"forecasts"`
}

// ForecastDocument is the persisted form of one variant.
type ForecastDocument struct {
	Version     int                      `json:"version"`
	LastUpdated time.Time                `json:"last_updated"`
	LastAttempt time.Time                `json:"last_attempt"`
	AutoUpdated int                      `json:"auto_updated"`
	Failure     FailureStats             `json:"failure"`
	SiteInfo    map[string]SiteForecasts `json:"siteinfo"`
}

// NewForecastDocument returns an empty, pristine document.
func NewForecastDocument() ForecastDocument {
	return ForecastDocument{
		Version:     CurrentDocumentVersion,
		LastUpdated: Epoch,
		LastAttempt: Epoch,
		Failure:     NewFailureStats(),
		SiteInfo:    map[string]SiteForecasts{},
	}
}

// Pristine reports whether the document has never received real data.
func (d ForecastDocument) Pristine() bool {
	return !d.LastUpdated.After(Epoch)
}

// Clone returns a deep copy of the document.
func (d ForecastDocument) Clone() ForecastDocument {
	c := d
	c.Failure.Last7d = slices.Clone(d.Failure.Last7d)
	c.Failure.Last14d = slices.Clone(d.Failure.Last14d)
	c.SiteInfo = make(map[string]SiteForecasts, len(d.SiteInfo))
	for site, sf := range d.SiteInfo {
		c.SiteInfo[site] = SiteForecasts{Forecasts: slices.Clone(sf.Forecasts)}
	}
	return c
}

// MigrationOptions supplies the facts older documents did not record.
type MigrationOptions struct {
	// FirstSite receives the top-level forecasts of documents older than v5.
	FirstSite string
	// AutoUpdate is true when scheduled updates are configured.
	AutoUpdate bool
}

// DecodeForecastDocument parses a persisted document, upgrading it to the
// current version. It returns the document, a boolean indicating if a
// migration was applied, and an error if the document is unusable.
func DecodeForecastDocument(data []byte, opts MigrationOptions) (ForecastDocument, bool, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return ForecastDocument{}, false, fmt.Errorf("%w: %w", ErrIncompatibleDocument, err)
	}
	if raw == nil {
		return ForecastDocument{}, false, fmt.Errorf("%w: not an object", ErrIncompatibleDocument)
	}
	migratedRaw, migrated, err := MigrateDocument(raw, opts)
	if err != nil {
		return ForecastDocument{}, false, err
	}
	b, err := json.Marshal(migratedRaw)
	if err != nil {
		return ForecastDocument{}, false, fmt.Errorf("failed to marshal migrated document: %w", err)
	}
	doc := NewForecastDocument()
	if err := json.Unmarshal(b, &doc); err != nil {
		return ForecastDocument{}, false, fmt.Errorf("%w: %w", ErrIncompatibleDocument, err)
	}
	if doc.SiteInfo == nil {
		doc.SiteInfo = map[string]SiteForecasts{}
	}
	doc.Failure.normalize()
	for site, sf := range doc.SiteInfo {
		doc.SiteInfo[site] = SiteForecasts{Forecasts: SortIntervals(sf.Forecasts)}
	}
	return doc, migrated, nil
}

// MigrateDocument upgrades a raw document to CurrentDocumentVersion by
// applying every intermediate version's additive transform in order. The
// input map is never modified; a copy is returned.
func MigrateDocument(doc map[string]any, opts MigrationOptions) (map[string]any, bool, error) {
	return migrateDocument(doc, opts, CurrentDocumentVersion)
}

func migrateDocument(doc map[string]any, opts MigrationOptions, target int) (map[string]any, bool, error) {
	currentVersion := 1
	if v, ok := doc["version"].(float64); ok {
		currentVersion = int(v)
	} else if v, ok := doc["version"].(int); ok {
		currentVersion = v
	}
	if currentVersion > CurrentDocumentVersion {
		return nil, false, fmt.Errorf("%w: %d", ErrUnknownVersion, currentVersion)
	}
	if currentVersion >= target {
		return doc, false, nil
	}

	// need one or the other to be able to upgrade
	siteInfo, hasSiteInfo := doc["siteinfo"].(map[string]any)
	forecasts, hasForecasts := doc["forecasts"].([]any)
	if !hasSiteInfo && !hasForecasts {
		return nil, false, fmt.Errorf("%w: neither siteinfo nor forecasts present", ErrIncompatibleDocument)
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}

	for version := currentVersion + 1; version <= target; version++ {
		switch version {
		case 2, 3, 4:
			// versions before 4 only differ in fields that are no longer read
		case 5:
			// version 5: add last_attempt and auto_updated, move top-level forecasts into siteinfo
			out["last_attempt"] = out["last_updated"]
			out["auto_updated"] = opts.AutoUpdate
			if !hasSiteInfo && hasForecasts && opts.FirstSite != "" {
				out["siteinfo"] = map[string]any{
					opts.FirstSite: map[string]any{"forecasts": forecasts},
				}
				delete(out, "forecasts")
				delete(out, "energy")
			} else if siteInfo != nil {
				out["siteinfo"] = siteInfo
			}
		case 6:
			// version 6: auto_updated becomes the number of scheduled divisions
			if opts.AutoUpdate {
				out["auto_updated"] = AutoUpdatedForced
			} else {
				out["auto_updated"] = 0
			}
		case 7:
			// version 7: add failure statistics
			out["failure"] = map[string]any{
				"last_24h": 0,
				"last_7d":  []any{0, 0, 0, 0, 0, 0, 0},
			}
		case 8:
			// version 8: extend failure statistics to fourteen days
			failure := map[string]any{}
			if f, ok := out["failure"].(map[string]any); ok {
				for k, v := range f {
					failure[k] = v
				}
			}
			last7d, _ := failure["last_7d"].([]any)
			last14d := make([]any, 0, 14)
			last14d = append(last14d, last7d...)
			for len(last14d) < 14 {
				last14d = append(last14d, 0)
			}
			failure["last_14d"] = last14d
			out["failure"] = failure
		default:
			return nil, false, fmt.Errorf("%w: no migration to %d", ErrUnknownVersion, version)
		}
		out["version"] = version
	}

	return out, true, nil
}

// SortIntervals orders intervals by PeriodStart, keeping the last of any
// duplicates.
func SortIntervals(intervals []Interval) []Interval {
	byStart := make(map[int64]Interval, len(intervals))
	for _, iv := range intervals {
		iv.PeriodStart = iv.PeriodStart.UTC()
		byStart[iv.PeriodStart.Unix()] = iv
	}
	out := make([]Interval, 0, len(byStart))
	for _, iv := range byStart {
		out = append(out, iv)
	}
	slices.SortFunc(out, func(a, b Interval) int {
		return a.PeriodStart.Compare(b.PeriodStart)
	})
	return out
}
