package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/raterudder/forecaster/pkg/config"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/types"
)

// tickInterval is how often Run checks for due work.
const tickInterval = time.Minute

// divisions is the number of scheduled updates per day. Every update uses
// one call per site and at most two sites are counted, matching a key's
// allowance shared between a pair of rooftops.
func (e *Engine) divisions() int {
	sites := len(e.Sites())
	if sites == 0 {
		return 0
	}
	return e.quota.MinLimit() / min(sites, 2)
}

// updateTimes spreads divisions updates evenly over [start, end).
func updateTimes(start, end time.Time, divisions int) []time.Time {
	if divisions <= 0 || !end.After(start) {
		return nil
	}
	step := end.Sub(start) / time.Duration(divisions)
	out := make([]time.Time, divisions)
	for i := range out {
		out[i] = start.Add(step * time.Duration(i)).Truncate(time.Second)
	}
	return out
}

// window returns the span of day offset that scheduled updates cover.
func (e *Engine) window(offset int) (time.Time, time.Time) {
	loc := e.opts.Location()
	now := e.now()
	start, end := types.DayStart(now, loc, offset), types.DayStart(now, loc, offset+1)
	if e.opts.AutoUpdate != config.AutoUpdateDaylight {
		return start, end
	}
	if first, last, ok := e.daylight(offset); ok {
		return first, last
	}
	return start, end
}

// daylight returns the start of the first and the end of the last interval
// of day offset that forecast any generation.
func (e *Engine) daylight(offset int) (time.Time, time.Time, bool) {
	d, err := e.agg.DayDetail(offset, types.AllSites)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	var first, last time.Time
	for _, iv := range d.HalfHourly {
		if iv.Estimate <= 0 {
			continue
		}
		if first.IsZero() {
			first = iv.PeriodStart
		}
		last = iv.PeriodEnd()
	}
	return first, last, !first.IsZero()
}

// reschedule computes the remaining scheduled updates of today and
// tomorrow.
func (e *Engine) reschedule(ctx context.Context) {
	if e.opts.AutoUpdate == config.AutoUpdateNone {
		return
	}
	divisions := e.divisions()
	now := e.now()
	var times []time.Time
	for offset := range 2 {
		start, end := e.window(offset)
		for _, t := range updateTimes(start, end, divisions) {
			if t.After(now) {
				times = append(times, t)
			}
		}
	}
	e.mu.Lock()
	e.schedule = times
	e.mu.Unlock()
	if len(times) > 0 {
		log.Ctx(ctx).DebugContext(ctx, "scheduled updates", slog.Int("divisions", divisions), slog.Time("next", times[0]), slog.Int("pending", len(times)))
	}
}

// NextUpdate returns the time of the next scheduled update.
func (e *Engine) NextUpdate() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.schedule) == 0 {
		return time.Time{}, false
	}
	return e.schedule[0], true
}

// Run ticks until ctx is done, running scheduled updates, local midnight
// rollover and the daily usage reset.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.bg.Wait()
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs whatever work is due now.
func (e *Engine) Tick(ctx context.Context) {
	if err := e.quota.ResetAllIfStale(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to reset stale usage", slog.Any("error", err))
	}
	e.rollover(ctx)

	if !e.due() {
		return
	}
	// run in the background so a hung update cannot stall the ticker and
	// the watchdog can replace it on the next due time
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		err := e.Update(ctx, Scheduled)
		switch {
		case err == nil:
		case errors.Is(err, ErrUpdateInProgress), errors.Is(err, ErrTooSoon), errors.Is(err, ErrReauthRequired):
			log.Ctx(ctx).InfoContext(ctx, "skipped scheduled update", slog.Any("error", err))
		default:
			log.Ctx(ctx).WarnContext(ctx, "scheduled update failed", slog.Any("error", err))
		}
	}()
}

// due pops every passed schedule entry and reports whether any did.
func (e *Engine) due() bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for n < len(e.schedule) && !e.schedule[n].After(now) {
		n++
	}
	e.schedule = e.schedule[n:]
	return n > 0
}

// rollover starts a new local day: failure counters shift, stale intervals
// are pruned and the schedule is recomputed.
func (e *Engine) rollover(ctx context.Context) {
	now := e.now()
	day := types.StartOfDay(now, e.opts.Location())
	e.mu.Lock()
	if !day.After(e.day) {
		e.mu.Unlock()
		return
	}
	e.day = day
	e.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "local day rolled over", slog.Time("day", day))
	e.store.Update(types.VariantDampened, func(doc *types.ForecastDocument) {
		doc.Failure.Rollover()
	})
	e.prune(now)
	if err := e.store.SaveAll(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to save after rollover", slog.Any("error", err))
	}
	e.agg.Invalidate()
	e.reschedule(ctx)
	e.publish(ctx)
}

// publish sends the headline values to the publisher.
func (e *Engine) publish(ctx context.Context) {
	if e.pub == nil {
		return
	}
	values := map[string]any{
		"completeness": e.agg.Completeness(),
		"api_used":     e.quota.MaxUsed(),
		"api_limit":    e.quota.MinLimit(),
	}
	for name, offset := range map[string]int{"forecast_today": 0, "forecast_tomorrow": 1} {
		if kwh, err := e.agg.DayEnergy(offset, types.AllSites, ""); err == nil {
			values[name] = kwh
		}
	}
	now := e.now()
	if rem, err := e.agg.Remaining(now, types.DayStart(now, e.opts.Location(), 1), types.AllSites, ""); err == nil {
		values["forecast_remaining_today"] = rem
	}
	if kw, err := e.agg.Moment(now, types.AllSites, ""); err == nil {
		values["power_now"] = int(math.Round(kw * 1000))
	}
	if p, err := e.agg.Peak(0, types.AllSites, ""); err == nil {
		values["peak_today"] = p
	}
	if err := e.pub.Publish(ctx, values); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish forecast values", slog.Any("error", err))
	}
}
