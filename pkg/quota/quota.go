// Package quota tracks the daily provider call allowance of every account key.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/forecaster/pkg/common"
	"github.com/raterudder/forecaster/pkg/config"
	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/storage"
	"github.com/raterudder/forecaster/pkg/types"
)

// ErrLimitReached is returned when an account has no calls left today.
var ErrLimitReached = errors.New("daily api limit reached")

// Tracker is safe for concurrent use. Every change is persisted before the
// method returns.
type Tracker struct {
	db  storage.Database
	now func() time.Time

	// wmu orders persists so the stored counter never goes backwards.
	wmu     sync.Mutex
	mu      sync.Mutex
	keys    []string
	limits  map[string]int
	usage   map[string]types.Usage
	pending map[string]int
}

// KeyUsage is the report entry for one account key.
type KeyUsage struct {
	Key       string    `json:"key"`
	Limit     int       `json:"daily_limit"`
	Consumed  int       `json:"daily_limit_consumed"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Configured returns a tracker for the keys of opts, set up once flags are
// parsed.
func Configured(db storage.Database, opts *config.Options) *Tracker {
	t := &Tracker{}
	lflag.Do(func() {
		t.init(db, opts.APIKeys, opts.Limits(), time.Now)
	})
	return t
}

// New returns a tracker for keys. limits holds the configured daily limit of
// each key; missing entries use types.DefaultDailyLimit.
func New(db storage.Database, keys []string, limits map[string]int, now func() time.Time) *Tracker {
	t := &Tracker{}
	t.init(db, keys, limits, now)
	return t
}

func (t *Tracker) init(db storage.Database, keys []string, limits map[string]int, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	t.db = db
	t.now = now
	t.keys = append([]string(nil), keys...)
	t.limits = make(map[string]int, len(keys))
	t.usage = make(map[string]types.Usage, len(keys))
	t.pending = make(map[string]int, len(keys))
	for _, k := range keys {
		limit := limits[k]
		if limit <= 0 {
			limit = types.DefaultDailyLimit
		}
		t.limits[k] = limit
		t.usage[k] = types.NewUsage(limit, now())
	}
}

// Load reads the persisted counters. A missing or unreadable counter starts
// fresh. The configured limit always replaces the stored one.
func (t *Tracker) Load(ctx context.Context) error {
	for _, key := range t.keys {
		kctx := log.WithAttrs(ctx, slog.String("key", common.RedactAPIKey(key)))
		u, err := t.db.GetUsage(kctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Ctx(kctx).InfoContext(kctx, "no usage cache, starting fresh")
			continue
		case errors.Is(err, storage.ErrCacheCorrupt):
			log.Ctx(kctx).WarnContext(kctx, "discarding corrupt usage cache", slog.Any("error", err))
			continue
		case err != nil:
			return fmt.Errorf("failed to load usage: %w", err)
		}

		t.mu.Lock()
		limit := t.limits[key]
		if u.DailyLimit != limit {
			log.Ctx(kctx).InfoContext(kctx, "daily limit changed", slog.Int("stored", u.DailyLimit), slog.Int("configured", limit))
		}
		u.DailyLimit = limit
		t.usage[key] = u
		t.mu.Unlock()
	}
	return nil
}

// CanCall reports whether a call for key is allowed, counting calls that are
// reserved but not yet recorded. Forced calls are always allowed.
func (t *Tracker) CanCall(key string, force bool) bool {
	if force {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canCallLocked(key)
}

func (t *Tracker) canCallLocked(key string) bool {
	u, ok := t.usage[key]
	return ok && u.DailyLimitConsumed+t.pending[key] < u.DailyLimit
}

// Reserve claims one call for key. The claim is settled by RecordCall or
// returned by Release. Concurrent callers cannot claim more calls than are
// left. Forced calls reserve nothing.
func (t *Tracker) Reserve(key string, force bool) error {
	if force {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canCallLocked(key) {
		return fmt.Errorf("%w for %s", ErrLimitReached, common.RedactAPIKey(key))
	}
	t.pending[key]++
	return nil
}

// Release returns a reservation that did not become a metered call.
func (t *Tracker) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[key] > 0 {
		t.pending[key]--
	}
}

// Check returns ErrLimitReached if CanCall is false.
func (t *Tracker) Check(key string, force bool) error {
	if !t.CanCall(key, force) {
		return fmt.Errorf("%w for %s", ErrLimitReached, common.RedactAPIKey(key))
	}
	return nil
}

// RecordCall counts one successful metered call and settles a reservation
// for key if one is held.
func (t *Tracker) RecordCall(ctx context.Context, key string) error {
	return t.change(ctx, key, func(u *types.Usage) {
		u.DailyLimitConsumed++
		if t.pending[key] > 0 {
			t.pending[key]--
		}
	})
}

// MarkExhausted records that the provider refused further calls today.
func (t *Tracker) MarkExhausted(ctx context.Context, key string) error {
	return t.change(ctx, key, func(u *types.Usage) {
		u.DailyLimitConsumed = u.DailyLimit
	})
}

// ForceReset clears the counter for key.
func (t *Tracker) ForceReset(ctx context.Context, key string) error {
	now := t.now()
	return t.change(ctx, key, func(u *types.Usage) {
		u.DailyLimitConsumed = 0
		u.Reset = types.PreviousUTCMidnight(now)
	})
}

// ResetIfStale clears the counter for key if its last reset is more than 24
// hours ago. It reports whether a reset happened.
func (t *Tracker) ResetIfStale(ctx context.Context, key string) (bool, error) {
	t.mu.Lock()
	u, ok := t.usage[key]
	t.mu.Unlock()
	if !ok || !u.Stale(t.now()) {
		return false, nil
	}
	log.Ctx(ctx).InfoContext(ctx, "resetting api usage", slog.String("key", common.RedactAPIKey(key)))
	return true, t.ForceReset(ctx, key)
}

// ResetAllIfStale runs ResetIfStale for every key.
func (t *Tracker) ResetAllIfStale(ctx context.Context) error {
	var errs []error
	for _, key := range t.keys {
		if _, err := t.ResetIfStale(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) change(ctx context.Context, key string, fn func(u *types.Usage)) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	t.mu.Lock()
	u, ok := t.usage[key]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown api key %s", common.RedactAPIKey(key))
	}
	fn(&u)
	t.usage[key] = u
	t.mu.Unlock()

	if err := t.db.SetUsage(ctx, key, u); err != nil {
		return fmt.Errorf("failed to persist usage: %w", err)
	}
	return nil
}

// Usage returns the counter for key.
func (t *Tracker) Usage(key string) (types.Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[key]
	return u, ok
}

// Remaining is the fewest calls left across all accounts, since an update
// round needs every account to succeed.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.usage) == 0 {
		return 0
	}
	remaining := math.MaxInt
	for _, u := range t.usage {
		remaining = min(remaining, u.Remaining())
	}
	return remaining
}

// MaxUsed is the most calls used by any account. Every account is fetched at
// the same scheduled moments so this is the number of rounds run today.
func (t *Tracker) MaxUsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var used int
	for _, u := range t.usage {
		used = max(used, u.DailyLimitConsumed)
	}
	return used
}

// MinLimit is the smallest configured daily limit.
func (t *Tracker) MinLimit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.limits) == 0 {
		return 0
	}
	limit := math.MaxInt
	for _, l := range t.limits {
		limit = min(limit, l)
	}
	return limit
}

// Report lists the usage of every key in configuration order with keys
// redacted.
func (t *Tracker) Report() []KeyUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]KeyUsage, 0, len(t.keys))
	for _, key := range t.keys {
		u := t.usage[key]
		out = append(out, KeyUsage{
			Key:       common.RedactAPIKey(key),
			Limit:     u.DailyLimit,
			Consumed:  u.DailyLimitConsumed,
			Remaining: u.Remaining(),
			Reset:     u.Reset,
		})
	}
	return out
}
