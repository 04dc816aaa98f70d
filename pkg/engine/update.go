package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/raterudder/forecaster/pkg/fetch"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Trigger says what started an update.
type Trigger int

const (
	// Scheduled updates are metered and stop while credentials need
	// attention.
	Scheduled Trigger = iota
	// Manual updates are metered.
	Manual
	// Forced updates skip the quota check and are not counted.
	Forced
)

func (t Trigger) String() string {
	switch t {
	case Scheduled:
		return "scheduled"
	case Manual:
		return "manual"
	default:
		return "forced"
	}
}

// Update fetches every site and rebuilds the derived data. Only one update
// runs at a time; a trigger arriving while one is in flight gets
// ErrUpdateInProgress unless the running update exceeded the watchdog, in
// which case it is cancelled and replaced. A failing site aborts the round
// and nothing is persisted.
func (e *Engine) Update(ctx context.Context, trigger Trigger) error {
	if trigger == Scheduled {
		if err := e.NeedsAttention(); err != nil {
			return fmt.Errorf("%w: %w", ErrReauthRequired, err)
		}
	}

	last := e.store.Snapshot(types.VariantDampened).LastUpdated
	now := e.now()
	if now.Before(last.Add(minUpdateGap)) {
		return ErrTooSoon
	}

	r, ctx, err := e.begin(ctx, now)
	if err != nil {
		return err
	}
	defer e.finish(r)

	ctx = log.WithAttrs(ctx, slog.Uint64("updateID", r.id), slog.String("trigger", trigger.String()))
	log.Ctx(ctx).InfoContext(ctx, "starting forecast update")
	if err := e.update(ctx, trigger, now); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "forecast update failed", slog.Any("error", err))
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "forecast update completed", slog.Duration("took", e.now().Sub(now)))
	return nil
}

func (e *Engine) begin(ctx context.Context, now time.Time) (*run, context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev := e.running; prev != nil {
		if now.Sub(prev.started) < watchdog {
			return nil, nil, ErrUpdateInProgress
		}
		log.Ctx(ctx).WarnContext(ctx, "previous update hung, replacing it", slog.Uint64("updateID", prev.id), slog.Time("started", prev.started))
		prev.cancel()
	}
	e.runs++
	ctx, cancel := context.WithCancel(ctx)
	r := &run{id: e.runs, started: now, cancel: cancel}
	e.running = r
	return r, ctx, nil
}

func (e *Engine) finish(r *run) {
	r.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running == r {
		e.running = nil
	}
}

func (e *Engine) update(ctx context.Context, trigger Trigger, started time.Time) error {
	if err := e.quota.ResetAllIfStale(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to reset stale usage", slog.Any("error", err))
	}

	sites := e.Sites()
	if len(sites) == 0 {
		return ErrNoSites
	}

	loc := e.opts.Location()
	lastDay := types.DayStart(started, loc, e.opts.ForecastDays)
	hours := int(math.Ceil(lastDay.Sub(started).Hours()))
	force := trigger == Forced

	var backfill []string
	pastHours := 0
	for _, s := range sites {
		if len(e.store.Intervals(types.VariantUndampened, s.ResourceID)) == 0 {
			backfill = append(backfill, s.ResourceID)
			pastHours = backfillHours
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, s := range sites {
		needHistory := slices.Contains(backfill, s.ResourceID)
		g.Go(func() error {
			sctx := log.WithAttrs(gctx, slog.String("site", s.ResourceID))
			return e.fetchSite(sctx, s, hours, lastDay, needHistory, force)
		})
	}
	if err := g.Wait(); err != nil {
		if fetch.IsReauthRequired(err) {
			e.mu.Lock()
			e.reauth = err
			e.mu.Unlock()
			log.Ctx(ctx).ErrorContext(ctx, "provider rejected credentials, scheduled updates stopped", slog.Any("error", err))
		}
		return err
	}

	e.dampenForward(nil, pastHours)
	e.prune(started)

	autoUpdated := types.AutoUpdatedManual
	switch trigger {
	case Forced:
		autoUpdated = types.AutoUpdatedForced
	case Scheduled:
		autoUpdated = e.divisions()
	}
	finished := e.now().UTC().Truncate(time.Second)
	for _, v := range []types.Variant{types.VariantDampened, types.VariantUndampened} {
		e.store.Update(v, func(doc *types.ForecastDocument) {
			doc.LastUpdated = finished
			doc.LastAttempt = started.UTC().Truncate(time.Second)
			doc.AutoUpdated = autoUpdated
		})
	}
	if len(backfill) > 0 {
		e.store.Update(types.VariantActuals, func(doc *types.ForecastDocument) {
			doc.LastUpdated = finished
			doc.LastAttempt = started.UTC().Truncate(time.Second)
		})
	}

	if err := e.store.SaveAll(ctx); err != nil {
		return fmt.Errorf("failed to save forecasts: %w", err)
	}
	e.agg.Invalidate()
	e.reschedule(ctx)
	e.publish(ctx)
	return nil
}

// fetchSite fetches one site's estimated actuals, when needed, and its
// forecast into the undampened series.
func (e *Engine) fetchSite(ctx context.Context, s types.Site, hours int, lastDay time.Time, needHistory, force bool) error {
	onFailure := func() {
		e.store.Update(types.VariantDampened, func(doc *types.ForecastDocument) {
			doc.Failure.Increment()
		})
	}
	loc := e.opts.Location()

	if needHistory {
		log.Ctx(ctx).InfoContext(ctx, "fetching estimated actuals for new site", slog.Int("hours", backfillHours))
		actuals, err := e.fetcher.Fetch(ctx, fetch.Request{
			Site:      s.ResourceID,
			APIKey:    s.APIKey,
			Kind:      fetch.KindEstimatedActuals,
			Hours:     backfillHours,
			Force:     force,
			OnFailure: onFailure,
		})
		if err != nil {
			return fmt.Errorf("failed to fetch estimated actuals for %s: %w", s.ResourceID, err)
		}
		oldest := types.DayStart(e.now(), loc, -6)
		kept := make([]types.Interval, 0, len(actuals))
		for _, iv := range actuals {
			if iv.PeriodStart.After(oldest) {
				kept = append(kept, types.Interval{PeriodStart: iv.PeriodStart, Estimate: iv.Estimate})
			}
		}
		e.store.Upsert(types.VariantActuals, s.ResourceID, kept)
		e.store.Upsert(types.VariantUndampened, s.ResourceID, kept)
	}

	forecasts, err := e.fetcher.Fetch(ctx, fetch.Request{
		Site:      s.ResourceID,
		APIKey:    s.APIKey,
		Kind:      fetch.KindForecasts,
		Hours:     hours,
		Force:     force,
		OnFailure: onFailure,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch forecasts for %s: %w", s.ResourceID, err)
	}
	kept := make([]types.Interval, 0, len(forecasts))
	for _, iv := range forecasts {
		if iv.PeriodStart.Before(lastDay) {
			kept = append(kept, iv)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched forecasts", slog.Int("intervals", len(kept)))
	e.store.Upsert(types.VariantUndampened, s.ResourceID, kept)
	return nil
}

// prune drops intervals older than each variant's retention.
func (e *Engine) prune(now time.Time) {
	loc := e.opts.Location()
	e.store.PruneAll(types.VariantUndampened, types.DayStart(now, loc, -types.UndampenedRetentionDays))
	e.store.PruneAll(types.VariantDampened, types.DayStart(now, loc, -e.opts.HistoryDays))
	e.store.PruneAll(types.VariantActuals, types.DayStart(now, loc, -e.opts.HistoryDays))
}

// NeedsAttention returns the provider error that stopped scheduled updates.
func (e *Engine) NeedsAttention() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reauth
}

// ResetAuth clears the needs-attention state after credentials are
// refreshed.
func (e *Engine) ResetAuth() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reauth = nil
}
