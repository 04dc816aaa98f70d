package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/raterudder/forecaster/pkg/dampen"
	"github.com/raterudder/forecaster/pkg/quota"
	"github.com/raterudder/forecaster/pkg/types"
)

// ForceUpdate runs an update that skips the quota and is not counted.
func (e *Engine) ForceUpdate(ctx context.Context) error {
	return e.Update(ctx, Forced)
}

// ClearCache deletes every persisted forecast and refetches all sites,
// including their estimated actuals.
func (e *Engine) ClearCache(ctx context.Context) error {
	e.mu.Lock()
	busy := e.running != nil
	e.mu.Unlock()
	if busy {
		return ErrUpdateInProgress
	}
	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear forecasts: %w", err)
	}
	e.agg.Invalidate()
	return e.Update(ctx, Forced)
}

// SetDampening validates and stores factors for site (empty for the legacy
// hourly set), then re-dampens from today onwards. Past dampened history is
// kept as it was. It holds the update slot, so it returns ErrUpdateInProgress
// while an update runs.
func (e *Engine) SetDampening(ctx context.Context, site string, factors []float64) error {
	r, ctx, err := e.begin(ctx, e.now())
	if err != nil {
		return err
	}
	defer e.finish(r)

	e.mu.Lock()
	cfg := e.dampener.Config()
	ids := make([]string, 0, len(e.sites))
	for _, s := range e.sites {
		ids = append(ids, s.ResourceID)
	}
	e.mu.Unlock()

	next, err := cfg.WithFactors(site, factors, ids)
	if err != nil {
		return err
	}
	if err := e.db.SetDampening(ctx, next); err != nil {
		return fmt.Errorf("failed to save dampening: %w", err)
	}

	e.mu.Lock()
	e.dampener = dampen.New(next, e.opts.Location())
	e.mu.Unlock()

	e.dampenForward(nil, 0)
	if err := e.store.Save(ctx, types.VariantDampened); err != nil {
		return fmt.Errorf("failed to save dampened forecasts: %w", err)
	}
	e.agg.Invalidate()
	e.publish(ctx)
	return nil
}

// GetDampening returns the active factors for site, types.AllSites or, with
// an empty site, the legacy hourly set. The bool is false when no granular
// factors apply to the site.
func (e *Engine) GetDampening(site string) ([]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dampener.Config().Factors(site)
}

// SetHardLimit validates and applies a new hard limit. No data is refetched.
func (e *Engine) SetHardLimit(ctx context.Context, limit string) error {
	parsed, err := types.ParseHardLimit(limit, len(e.opts.APIKeys))
	if err != nil {
		return err
	}
	e.agg.SetHardLimit(parsed)
	e.publish(ctx)
	return nil
}

// Failures summarises the failure counters.
type Failures struct {
	Last24h int `json:"last_24h"`
	Last7d  int `json:"last_7d"`
	Last14d int `json:"last_14d"`
}

// Status is the usage and update report.
type Status struct {
	Keys           []quota.KeyUsage `json:"keys"`
	Remaining      int              `json:"remaining"`
	Used           int              `json:"used"`
	Failures       Failures         `json:"failures"`
	LastUpdated    time.Time        `json:"last_updated"`
	LastAttempt    time.Time        `json:"last_attempt"`
	AutoUpdated    int              `json:"auto_updated"`
	Divisions      int              `json:"divisions"`
	NextUpdate     *time.Time       `json:"next_update,omitempty"`
	Stale          bool             `json:"stale"`
	HardLimit      string           `json:"hard_limit"`
	NeedsAttention string           `json:"needs_attention,omitempty"`
}

// Status reports quota use, failures and update state.
func (e *Engine) Status() Status {
	doc := e.store.Snapshot(types.VariantDampened)
	s := Status{
		Keys:      e.quota.Report(),
		Remaining: e.quota.Remaining(),
		Used:      e.quota.MaxUsed(),
		Failures: Failures{
			Last24h: doc.Failure.Last24h,
			Last7d:  doc.Failure.Sum7d(),
			Last14d: doc.Failure.Sum14d(),
		},
		LastUpdated: doc.LastUpdated,
		LastAttempt: doc.LastAttempt,
		AutoUpdated: doc.AutoUpdated,
		Divisions:   e.divisions(),
		Stale:       e.Stale(),
		HardLimit:   e.agg.Options().HardLimit.String(),
	}
	if next, ok := e.NextUpdate(); ok {
		s.NextUpdate = &next
	}
	if err := e.NeedsAttention(); err != nil {
		s.NeedsAttention = err.Error()
	}
	return s
}
