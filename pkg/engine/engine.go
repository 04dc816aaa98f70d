// Package engine runs forecast updates and owns the state the query API
// reads: the interval store, the quota tracker and the aggregator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/config"
	"github.com/raterudder/forecaster/pkg/dampen"
	"github.com/raterudder/forecaster/pkg/fetch"
	"github.com/raterudder/forecaster/pkg/forecast"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/quota"
	"github.com/raterudder/forecaster/pkg/storage"
	"github.com/raterudder/forecaster/pkg/store"
	"github.com/raterudder/forecaster/pkg/types"
)

var (
	// ErrUpdateInProgress is returned when an update is triggered while
	// another one runs.
	ErrUpdateInProgress = errors.New("update already in progress")
	// ErrTooSoon is returned for an update requested within ten seconds of
	// the last successful one.
	ErrTooSoon = errors.New("update requested too soon after the last update")
	// ErrReauthRequired is returned by scheduled updates after the provider
	// rejected the credentials, until ResetAuth is called.
	ErrReauthRequired = errors.New("provider credentials need attention")
	// ErrNoSites is returned when no sites are configured or discovered.
	ErrNoSites = errors.New("no sites")
)

const (
	// watchdog is how long an update may run before a new trigger assumes it
	// hung and replaces it.
	watchdog = 15 * time.Minute
	// minUpdateGap suppresses updates right after a successful one.
	minUpdateGap = 10 * time.Second
	// backfillHours of estimated actuals are fetched for a site without data.
	backfillHours = 168
)

// Fetcher retrieves provider data.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) ([]types.Interval, error)
	ListSites(ctx context.Context, apiKey string) ([]types.Site, error)
}

// Publisher receives derived values after every rebuild.
type Publisher interface {
	Publish(ctx context.Context, values map[string]any) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Options   *config.Options
	DB        storage.Database
	Quota     *quota.Tracker
	Fetcher   Fetcher
	Publisher Publisher
	Now       func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	opts    *config.Options
	db      storage.Database
	quota   *quota.Tracker
	fetcher Fetcher
	pub     Publisher
	now     func() time.Time

	store *store.Store
	agg   *forecast.Aggregator

	mu       sync.Mutex
	sites    []types.Site
	dampener *dampen.Dampener
	reauth   error
	running  *run
	schedule []time.Time
	day      time.Time
	runs     uint64

	bg sync.WaitGroup
}

type run struct {
	id      uint64
	started time.Time
	cancel  context.CancelFunc
}

// Configured returns an engine built from the given collaborators once flags
// are parsed.
func Configured(opts *config.Options, db storage.Database, q *quota.Tracker, f Fetcher, pub Publisher) *Engine {
	e := &Engine{}
	lflag.Do(func() {
		e.init(Deps{Options: opts, DB: db, Quota: q, Fetcher: f, Publisher: pub})
	})
	return e
}

// New returns an engine. Call Start before serving queries.
func New(d Deps) *Engine {
	e := &Engine{}
	e.init(d)
	return e
}

func (e *Engine) init(d Deps) {
	if d.Now == nil {
		d.Now = time.Now
	}
	e.opts = d.Options
	e.db = d.DB
	e.quota = d.Quota
	e.fetcher = d.Fetcher
	e.pub = d.Publisher
	e.now = d.Now
	e.store = store.New(d.DB)
	e.agg = forecast.New(e.store, forecast.Options{}, d.Now)
	e.dampener = dampen.New(types.DefaultDampening(), d.Options.Location())
}

// Aggregator answers queries over the current data.
func (e *Engine) Aggregator() *forecast.Aggregator {
	return e.agg
}

// Sites returns the configured sites.
func (e *Engine) Sites() []types.Site {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.sites)
}

// Start loads persisted state, resolves the site list, reconciles the store
// with it and, if the data is stale, runs one update.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.quota.Load(ctx); err != nil {
		return err
	}
	if err := e.quota.ResetAllIfStale(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to reset stale usage", slog.Any("error", err))
	}

	cfg, err := e.db.GetDampening(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrCacheCorrupt) {
			return fmt.Errorf("failed to load dampening: %w", err)
		}
		log.Ctx(ctx).WarnContext(ctx, "discarding corrupt dampening config", slog.Any("error", err))
		cfg = types.DefaultDampening()
	}

	sites, err := e.resolveSites(ctx)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		return ErrNoSites
	}

	res, err := e.store.Load(ctx, types.MigrationOptions{
		FirstSite:  sites[0].ResourceID,
		AutoUpdate: e.opts.AutoUpdate != config.AutoUpdateNone,
	})
	if err != nil {
		return err
	}
	if len(res.Corrupt) > 0 {
		log.Ctx(ctx).WarnContext(ctx, "forecast cache was corrupt and will be refetched", slog.Any("variants", res.Corrupt))
	}

	now := e.now()
	e.mu.Lock()
	e.sites = sites
	e.dampener = dampen.New(cfg, e.opts.Location())
	e.day = types.StartOfDay(now, e.opts.Location())
	e.mu.Unlock()

	e.agg.SetOptions(forecast.Options{
		Location:  e.opts.Location(),
		Band:      e.opts.Band(),
		HardLimit: e.opts.ParsedHardLimit(),
		Keys:      e.opts.APIKeys,
		Sites:     sites,
	})

	if err := e.reconcile(ctx); err != nil {
		return err
	}
	e.reschedule(ctx)

	if *e.opts.FetchOnStale && e.Stale() {
		log.Ctx(ctx).InfoContext(ctx, "forecast data is stale, updating")
		if err := e.Update(ctx, Manual); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "stale data update failed", slog.Any("error", err))
		}
	}
	return nil
}

// resolveSites returns the static sites or asks the provider for the sites
// of every key.
func (e *Engine) resolveSites(ctx context.Context) ([]types.Site, error) {
	if sites := e.opts.StaticSites(); len(sites) > 0 {
		return sites, nil
	}
	var sites []types.Site
	for _, key := range e.opts.APIKeys {
		found, err := e.fetcher.ListSites(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to list sites: %w", err)
		}
		sites = append(sites, found...)
	}
	return e.opts.MarkExcluded(sites), nil
}

// reconcile removes sites that are no longer configured and seeds the
// undampened history of sites that only have dampened data.
func (e *Engine) reconcile(ctx context.Context) error {
	configured := map[string]bool{}
	for _, s := range e.Sites() {
		configured[s.ResourceID] = true
	}
	var changed bool
	for _, v := range types.Variants {
		for _, site := range e.store.Sites(v) {
			if !configured[site] {
				log.Ctx(ctx).InfoContext(ctx, "removing site that is no longer configured", slog.String("site", site))
				e.store.RemoveSite(site)
				changed = true
			}
		}
	}
	if changed {
		if err := e.store.SaveAll(ctx); err != nil {
			return err
		}
	}
	return e.migrateUndampened(ctx)
}

func (e *Engine) migrateUndampened(ctx context.Context) error {
	horizon := types.DayStart(e.now(), e.opts.Location(), -types.UndampenedRetentionDays)
	var migrated []string
	for _, s := range e.Sites() {
		if len(e.store.Intervals(types.VariantUndampened, s.ResourceID)) > 0 {
			continue
		}
		var history []types.Interval
		for _, iv := range e.store.Intervals(types.VariantDampened, s.ResourceID) {
			if !iv.PeriodStart.Before(horizon) {
				history = append(history, iv)
			}
		}
		if len(history) == 0 {
			continue
		}
		log.Ctx(ctx).InfoContext(ctx, "migrating undampened history", slog.String("site", s.ResourceID), slog.Int("intervals", len(history)))
		e.store.Upsert(types.VariantUndampened, s.ResourceID, history)
		migrated = append(migrated, s.ResourceID)
	}
	if len(migrated) == 0 {
		return nil
	}
	now := e.now().UTC()
	e.store.Update(types.VariantUndampened, func(doc *types.ForecastDocument) {
		doc.LastUpdated = now
	})
	e.dampenForward(migrated, 0)
	return e.store.SaveAll(ctx)
}

// Stale reports whether the data was last updated before yesterday.
func (e *Engine) Stale() bool {
	doc := e.store.Snapshot(types.VariantDampened)
	return doc.LastUpdated.Before(types.DayStart(e.now(), e.opts.Location(), -1))
}

// dampenForward rewrites the dampened series of sites from today onwards.
// A site without dampened data starts pastHours before today. Nil sites
// means every site.
func (e *Engine) dampenForward(sites []string, pastHours int) {
	e.mu.Lock()
	d := e.dampener
	all := slices.Clone(e.sites)
	e.mu.Unlock()

	dayStart := types.StartOfDay(e.now(), e.opts.Location())
	for _, s := range all {
		if sites != nil && !slices.Contains(sites, s.ResourceID) {
			continue
		}
		from := dayStart
		if len(e.store.Intervals(types.VariantDampened, s.ResourceID)) == 0 {
			from = dayStart.Add(-time.Duration(pastHours) * time.Hour)
		}
		undampened := e.store.Intervals(types.VariantUndampened, s.ResourceID)
		e.store.Upsert(types.VariantDampened, s.ResourceID, d.Series(s.ResourceID, undampened, from, s.Excluded))
	}
}
