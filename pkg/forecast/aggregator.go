// Package forecast derives per-site and aggregate series from the dampened
// interval store and answers energy and power queries over them.
package forecast

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/forecaster/pkg/dampen"
	"github.com/raterudder/forecaster/pkg/spline"
	"github.com/raterudder/forecaster/pkg/store"
	"github.com/raterudder/forecaster/pkg/types"
)

var (
	// ErrDataIncomplete is returned when stored intervals do not cover a
	// query. A query never answers with a partial or guessed value.
	ErrDataIncomplete = errors.New("forecast data incomplete")
	// ErrUnknownSite is returned for a site that has no series.
	ErrUnknownSite = errors.New("unknown site")
)

// Options configure how series are derived.
type Options struct {
	Location *time.Location
	// Band is used when a query does not name one.
	Band      types.Band
	HardLimit types.HardLimit
	// Keys is the configured account key order, matched against per-key
	// hard limits.
	Keys  []string
	Sites []types.Site
}

// Aggregator owns the derived series and spline curves. They are rebuilt
// lazily when the store changes, the local day rolls over or the options
// change, and are never persisted.
type Aggregator struct {
	store *store.Store
	now   func() time.Time

	mu    sync.Mutex
	opts  Options
	dirty bool
	cur   *view
}

// New returns an Aggregator reading from st.
func New(st *store.Store, opts Options, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		store: st,
		now:   now,
		opts:  normalize(opts),
		dirty: true,
	}
}

func normalize(opts Options) Options {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Band == "" {
		opts.Band = types.BandEstimate
	}
	opts.Keys = slices.Clone(opts.Keys)
	opts.Sites = slices.Clone(opts.Sites)
	return opts
}

// SetOptions replaces the options and forces a rebuild on the next query.
func (a *Aggregator) SetOptions(opts Options) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts = normalize(opts)
	a.dirty = true
}

// SetHardLimit replaces only the hard limit.
func (a *Aggregator) SetHardLimit(limit types.HardLimit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.HardLimit = limit
	a.dirty = true
}

// Options returns a copy of the current options.
func (a *Aggregator) Options() Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return normalize(a.opts)
}

// Invalidate forces a rebuild on the next query.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = true
}

// view returns the current derived state, rebuilding it first if stale.
func (a *Aggregator) view() *view {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	day := types.StartOfDay(now, a.opts.Location)
	if a.cur != nil && !a.dirty && a.cur.gen == a.store.Generation() && a.cur.day.Equal(day) {
		return a.cur
	}
	a.cur = a.build(day)
	a.dirty = false
	return a.cur
}

func (a *Aggregator) build(day time.Time) *view {
	gen := a.store.Generation()
	doc := a.store.Snapshot(types.VariantDampened)

	series := make(map[string][]types.Interval, len(doc.SiteInfo)+1)
	for site, f := range doc.SiteInfo {
		series[site] = f.Forecasts
	}
	siteKeys := make(map[string]string, len(a.opts.Sites))
	excluded := map[string]bool{}
	for _, s := range a.opts.Sites {
		siteKeys[s.ResourceID] = s.APIKey
		if s.Excluded {
			excluded[s.ResourceID] = true
		}
	}
	limited := dampen.NewLimiter(a.opts.HardLimit, a.opts.Keys).Apply(series, siteKeys)
	limited[types.AllSites] = sumSeries(limited, a.opts.Sites, excluded)

	return &view{
		day:    day,
		loc:    a.opts.Location,
		band:   a.opts.Band,
		gen:    gen,
		series: limited,
		curves: map[curveKey]curveResult{},
	}
}

// sumSeries adds the intervals of every non-excluded site period by period.
// A period is only emitted once every such site has it, so a site without
// coverage leaves a gap in the aggregate rather than a smaller total.
// Configured sites with no series at all count as missing.
func sumSeries(series map[string][]types.Interval, sites []types.Site, excluded map[string]bool) []types.Interval {
	members := map[string]bool{}
	for _, s := range sites {
		if !excluded[s.ResourceID] {
			members[s.ResourceID] = true
		}
	}
	for site := range series {
		if !excluded[site] {
			members[site] = true
		}
	}

	totals := map[int64]*types.Interval{}
	counts := map[int64]int{}
	for _, site := range slices.Sorted(maps.Keys(members)) {
		for _, iv := range series[site] {
			key := iv.PeriodStart.Unix()
			t, ok := totals[key]
			if !ok {
				t = &types.Interval{PeriodStart: iv.PeriodStart}
				totals[key] = t
			}
			t.Estimate += iv.Estimate
			t.Estimate10 += iv.Estimate10
			t.Estimate90 += iv.Estimate90
			counts[key]++
		}
	}
	out := make([]types.Interval, 0, len(totals))
	for key, t := range totals {
		if counts[key] == len(members) {
			out = append(out, t.Rounded())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out
}

type curveKey struct {
	kind spline.Kind
	key  string
	band types.Band
}

type curveResult struct {
	curve *spline.Curve
	err   error
}

// view is an immutable snapshot of derived series. Curves are built on first
// use.
type view struct {
	day    time.Time
	loc    *time.Location
	band   types.Band
	gen    uint64
	series map[string][]types.Interval

	mu     sync.Mutex
	curves map[curveKey]curveResult
}

func (v *view) intervals(key string) ([]types.Interval, error) {
	if key == "" {
		key = types.AllSites
	}
	ivs, ok := v.series[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, key)
	}
	return ivs, nil
}

func (v *view) bandOr(b types.Band) types.Band {
	if b == "" {
		return v.band
	}
	return b
}

func (v *view) curve(kind spline.Kind, key string, band types.Band) (*spline.Curve, error) {
	ivs, err := v.intervals(key)
	if err != nil {
		return nil, err
	}
	k := curveKey{kind: kind, key: key, band: band}
	v.mu.Lock()
	defer v.mu.Unlock()
	if r, ok := v.curves[k]; ok {
		return r.curve, r.err
	}
	c, err := spline.Build(kind, v.day, ivs, band)
	v.curves[k] = curveResult{curve: c, err: err}
	return c, err
}

// window returns the intervals overlapping [start, end) if together they
// cover the range without gaps.
func window(ivs []types.Interval, start, end time.Time) ([]types.Interval, bool) {
	i := sort.Search(len(ivs), func(i int) bool {
		return ivs[i].PeriodEnd().After(start)
	})
	var out []types.Interval
	cursor := start
	for ; i < len(ivs) && ivs[i].PeriodStart.Before(end); i++ {
		if ivs[i].PeriodStart.After(cursor) {
			return nil, false
		}
		out = append(out, ivs[i])
		cursor = ivs[i].PeriodEnd()
	}
	return out, !cursor.Before(end)
}

// between returns the intervals starting in [start, end).
func between(ivs []types.Interval, start, end time.Time) []types.Interval {
	i := sort.Search(len(ivs), func(i int) bool {
		return !ivs[i].PeriodStart.Before(start)
	})
	j := sort.Search(len(ivs), func(j int) bool {
		return !ivs[j].PeriodStart.Before(end)
	})
	if j < i {
		return nil
	}
	return ivs[i:j]
}
