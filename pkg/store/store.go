// Package store holds the in-memory interval series of every variant and
// persists them through a storage.Database.
//
// Readers get copies and never touch storage. Persistence is serialized by a
// single writer lock so a save triggered by a usage reset or an admin action
// never interleaves with a save from the update flow.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/forecaster/pkg/log"
	"github.com/raterudder/forecaster/pkg/storage"
	"github.com/raterudder/forecaster/pkg/types"
)

// Store is the Interval Store.
type Store struct {
	db storage.Database

	mu   sync.RWMutex
	docs map[types.Variant]*types.ForecastDocument
	gen  uint64

	saveMu sync.Mutex
}

// LoadResult describes what Load found in storage.
type LoadResult struct {
	// Missing variants had no usable document and start empty.
	Missing []types.Variant
	// Corrupt variants had an unreadable document that was discarded.
	Corrupt []types.Variant
	// Migrated variants were upgraded from an older version.
	Migrated []types.Variant
}

// New returns an empty store. Call Load to read persisted state.
func New(db storage.Database) *Store {
	s := &Store{
		db:   db,
		docs: make(map[types.Variant]*types.ForecastDocument, len(types.Variants)),
	}
	for _, v := range types.Variants {
		doc := types.NewForecastDocument()
		s.docs[v] = &doc
	}
	return s
}

// Load reads every variant from storage, upgrading older documents. A
// malformed document is treated as absent rather than failing the load.
func (s *Store) Load(ctx context.Context, opts types.MigrationOptions) (LoadResult, error) {
	var res LoadResult
	loaded := make(map[types.Variant]*types.ForecastDocument, len(types.Variants))
	for _, v := range types.Variants {
		lctx := log.WithAttrs(ctx, slog.String("variant", string(v)))
		data, err := s.db.GetForecastDocument(lctx, v)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				res.Missing = append(res.Missing, v)
			case errors.Is(err, storage.ErrCacheCorrupt):
				log.Ctx(lctx).WarnContext(lctx, "discarding corrupt forecast document", slog.Any("error", err))
				res.Corrupt = append(res.Corrupt, v)
				res.Missing = append(res.Missing, v)
			default:
				return res, fmt.Errorf("failed to load %s forecasts: %w", v, err)
			}
			doc := types.NewForecastDocument()
			loaded[v] = &doc
			continue
		}

		doc, migrated, err := types.DecodeForecastDocument(data, opts)
		if err != nil {
			log.Ctx(lctx).WarnContext(lctx, "discarding unreadable forecast document", slog.Any("error", err))
			res.Corrupt = append(res.Corrupt, v)
			res.Missing = append(res.Missing, v)
			fresh := types.NewForecastDocument()
			loaded[v] = &fresh
			continue
		}
		if migrated {
			log.Ctx(lctx).InfoContext(lctx, "migrated forecast document", slog.Int("version", doc.Version))
			res.Migrated = append(res.Migrated, v)
		}
		loaded[v] = &doc
	}

	s.mu.Lock()
	s.docs = loaded
	s.gen++
	s.mu.Unlock()
	return res, nil
}

// Generation increases on every in-memory change.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Upsert replaces or inserts intervals for site keyed by PeriodStart, keeping
// the series sorted.
func (s *Store) Upsert(variant types.Variant, site string, intervals []types.Interval) {
	if len(intervals) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docs[variant]
	existing := doc.SiteInfo[site].Forecasts
	doc.SiteInfo[site] = types.SiteForecasts{Forecasts: merge(existing, intervals)}
	s.gen++
}

// merge returns existing with updates applied. Both are sorted on return.
func merge(existing, updates []types.Interval) []types.Interval {
	updates = types.SortIntervals(updates)
	out := make([]types.Interval, 0, len(existing)+len(updates))
	i, j := 0, 0
	for i < len(existing) && j < len(updates) {
		a, b := existing[i], updates[j]
		switch a.PeriodStart.Compare(b.PeriodStart) {
		case -1:
			out = append(out, a)
			i++
		case 1:
			out = append(out, b)
			j++
		default:
			out = append(out, b)
			i++
			j++
		}
	}
	out = append(out, existing[i:]...)
	return append(out, updates[j:]...)
}

// Prune discards intervals of site that start before horizon.
func (s *Store) Prune(variant types.Variant, site string, horizon time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(variant, site, horizon)
}

// PruneAll discards intervals of every site that start before horizon.
func (s *Store) PruneAll(variant types.Variant, horizon time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for site := range s.docs[variant].SiteInfo {
		removed += s.pruneLocked(variant, site, horizon)
	}
	return removed
}

func (s *Store) pruneLocked(variant types.Variant, site string, horizon time.Time) int {
	doc := s.docs[variant]
	forecasts, ok := doc.SiteInfo[site]
	if !ok {
		return 0
	}
	idx := sort.Search(len(forecasts.Forecasts), func(i int) bool {
		return !forecasts.Forecasts[i].PeriodStart.Before(horizon)
	})
	if idx == 0 {
		return 0
	}
	doc.SiteInfo[site] = types.SiteForecasts{Forecasts: slices.Clone(forecasts.Forecasts[idx:])}
	s.gen++
	return idx
}

// RemoveSite deletes the site from every variant.
func (s *Store) RemoveSite(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.docs {
		delete(doc.SiteInfo, site)
	}
	s.gen++
}

// Sites returns the sites with data in variant, sorted.
func (s *Store) Sites(variant types.Variant) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sites := make([]string, 0, len(s.docs[variant].SiteInfo))
	for site := range s.docs[variant].SiteInfo {
		sites = append(sites, site)
	}
	slices.Sort(sites)
	return sites
}

// Intervals returns a copy of the site's series.
func (s *Store) Intervals(variant types.Variant, site string) []types.Interval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.docs[variant].SiteInfo[site].Forecasts)
}

// Snapshot returns a deep copy of a variant's document.
func (s *Store) Snapshot(variant types.Variant) types.ForecastDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[variant].Clone()
}

// Update applies fn to the variant's metadata under the write lock. fn must
// not retain doc.
func (s *Store) Update(variant types.Variant, fn func(doc *types.ForecastDocument)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.docs[variant])
	s.gen++
}

// Save persists variant. It is a no-op while the variant has never received
// data, so a restart before the first fetch cannot overwrite a good cache.
func (s *Store) Save(ctx context.Context, variant types.Variant) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	doc := s.docs[variant]
	if doc.Pristine() {
		s.mu.RUnlock()
		log.Ctx(ctx).InfoContext(ctx, "not saving pristine forecast document", slog.String("variant", string(variant)))
		return nil
	}
	b, err := json.Marshal(doc)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal %s forecasts: %w", variant, err)
	}

	if err := s.db.SetForecastDocument(ctx, variant, b, types.CurrentDocumentVersion); err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "saved forecast document", slog.String("variant", string(variant)), slog.Int("bytes", len(b)))
	return nil
}

// SaveAll persists every variant, stopping at the first error.
func (s *Store) SaveAll(ctx context.Context) error {
	for _, v := range types.Variants {
		if err := s.Save(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// Clear deletes every persisted forecast document and empties the store.
func (s *Store) Clear(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if err := s.db.ClearForecasts(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	for _, v := range types.Variants {
		doc := types.NewForecastDocument()
		s.docs[v] = &doc
	}
	s.gen++
	s.mu.Unlock()
	return nil
}
