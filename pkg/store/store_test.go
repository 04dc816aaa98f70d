package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/raterudder/forecaster/pkg/storage"
	"github.com/raterudder/forecaster/pkg/storage/storagemock"
	"github.com/raterudder/forecaster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func iv(offset int, est float64) types.Interval {
	return types.Interval{
		PeriodStart: base.Add(time.Duration(offset) * types.IntervalLength),
		Estimate:    est,
		Estimate10:  est / 2,
		Estimate90:  est * 2,
	}
}

func fileStore(t *testing.T) (*Store, storage.Database) {
	f, err := storage.NewFileProvider(t.TempDir())
	require.NoError(t, err)
	db := storage.NewDatabase(f)
	return New(db), db
}

func TestUpsert(t *testing.T) {
	s, _ := fileStore(t)

	s.Upsert(types.VariantDampened, "a", []types.Interval{iv(2, 2), iv(0, 0)})
	s.Upsert(types.VariantDampened, "a", []types.Interval{iv(1, 1), iv(2, 5), iv(3, 3)})

	got := s.Intervals(types.VariantDampened, "a")
	require.Len(t, got, 4)
	for i, want := range []float64{0, 1, 5, 3} {
		assert.Equal(t, base.Add(time.Duration(i)*types.IntervalLength), got[i].PeriodStart)
		assert.Equal(t, want, got[i].Estimate)
	}
	assert.Empty(t, s.Intervals(types.VariantUndampened, "a"))

	t.Run("copies are independent", func(t *testing.T) {
		got[0].Estimate = 99
		assert.Equal(t, 0.0, s.Intervals(types.VariantDampened, "a")[0].Estimate)
	})
}

func TestPrune(t *testing.T) {
	s, _ := fileStore(t)
	s.Upsert(types.VariantUndampened, "a", []types.Interval{iv(0, 1), iv(1, 1), iv(2, 1)})
	s.Upsert(types.VariantUndampened, "b", []types.Interval{iv(0, 1)})

	assert.Equal(t, 1, s.Prune(types.VariantUndampened, "a", base.Add(types.IntervalLength)))
	assert.Len(t, s.Intervals(types.VariantUndampened, "a"), 2)
	assert.Equal(t, 0, s.Prune(types.VariantUndampened, "missing", base))

	assert.Equal(t, 2, s.PruneAll(types.VariantUndampened, base.Add(2*types.IntervalLength)))
	assert.Len(t, s.Intervals(types.VariantUndampened, "a"), 1)
	assert.Empty(t, s.Intervals(types.VariantUndampened, "b"))
}

func TestRemoveSite(t *testing.T) {
	s, _ := fileStore(t)
	for _, v := range types.Variants {
		s.Upsert(v, "a", []types.Interval{iv(0, 1)})
		s.Upsert(v, "b", []types.Interval{iv(0, 1)})
	}
	s.RemoveSite("a")
	for _, v := range types.Variants {
		assert.Equal(t, []string{"b"}, s.Sites(v))
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s, db := fileStore(t)

	s.Upsert(types.VariantDampened, "a", []types.Interval{iv(0, 1.5)})
	require.NoError(t, s.Save(ctx, types.VariantDampened))
	_, err := db.GetForecastDocument(ctx, types.VariantDampened)
	assert.ErrorIs(t, err, storage.ErrNotFound, "pristine documents are not saved")

	s.Update(types.VariantDampened, func(doc *types.ForecastDocument) {
		doc.LastUpdated = base
		doc.Failure.Increment()
	})
	gen := s.Generation()
	require.NoError(t, s.SaveAll(ctx))
	assert.Equal(t, gen, s.Generation())

	s2 := New(db)
	res, err := s2.Load(ctx, types.MigrationOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Variant{types.VariantUndampened, types.VariantActuals}, res.Missing)
	assert.Empty(t, res.Corrupt)

	doc := s2.Snapshot(types.VariantDampened)
	assert.True(t, base.Equal(doc.LastUpdated))
	assert.Equal(t, 1, doc.Failure.Last24h)
	require.Len(t, doc.SiteInfo["a"].Forecasts, 1)
	assert.Equal(t, 1.5, doc.SiteInfo["a"].Forecasts[0].Estimate)
}

func TestLoadCorrupt(t *testing.T) {
	ctx := context.Background()
	db := &storagemock.MockDatabase{}
	db.On("GetForecastDocument", mock.Anything, types.VariantDampened).Return([]byte(`{"version": 99, "siteinfo": {}}`), nil)
	db.On("GetForecastDocument", mock.Anything, types.VariantUndampened).Return(nil, storage.ErrCacheCorrupt)
	legacy, err := json.Marshal(map[string]any{
		"version":      3,
		"last_updated": base,
		"forecasts":    []types.Interval{iv(0, 1)},
	})
	require.NoError(t, err)
	db.On("GetForecastDocument", mock.Anything, types.VariantActuals).Return(legacy, nil)

	s := New(db)
	res, err := s.Load(ctx, types.MigrationOptions{FirstSite: "a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Variant{types.VariantDampened, types.VariantUndampened}, res.Corrupt)
	assert.Equal(t, []types.Variant{types.VariantActuals}, res.Migrated)
	assert.True(t, s.Snapshot(types.VariantDampened).Pristine())
	assert.Len(t, s.Intervals(types.VariantActuals, "a"), 1)
	db.AssertExpectations(t)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	db := &storagemock.MockDatabase{}
	db.On("ClearForecasts", mock.Anything).Return(nil).Once()

	s := New(db)
	s.Upsert(types.VariantDampened, "a", []types.Interval{iv(0, 1)})
	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.Sites(types.VariantDampened))
	db.AssertExpectations(t)
}
