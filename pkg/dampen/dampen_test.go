package dampen

import (
	"testing"
	"time"

	"github.com/raterudder/forecaster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loc = time.FixedZone("AEST", 10*3600)

// 09:00 local
var nine = time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)

func TestDampen(t *testing.T) {
	cfg := types.DefaultDampening()
	cfg.Hourly[9] = 0.5
	d := New(cfg, loc)

	got := d.Dampen("site-a", types.Interval{PeriodStart: nine, Estimate: 2.0, Estimate10: 1.0, Estimate90: 3.0})
	assert.Equal(t, 1.0, got.Estimate)
	assert.Equal(t, 0.5, got.Estimate10)
	assert.Equal(t, 1.5, got.Estimate90)

	t.Run("identity factor is a no-op", func(t *testing.T) {
		iv := types.Interval{PeriodStart: nine.Add(time.Hour), Estimate: 1.2345}
		once := d.Dampen("site-a", iv)
		assert.Equal(t, iv, once)
		assert.Equal(t, once, d.Dampen("site-a", once))
	})

	t.Run("config changes do not leak", func(t *testing.T) {
		cfg.Hourly[9] = 0.1
		assert.Equal(t, 0.5, d.Factor("site-a", nine))
	})
}

func TestSeries(t *testing.T) {
	cfg := types.DefaultDampening()
	cfg.Hourly[9] = 0.5
	d := New(cfg, loc)

	undampened := []types.Interval{
		{PeriodStart: nine.Add(-time.Hour), Estimate: 4},
		{PeriodStart: nine, Estimate: 2},
		{PeriodStart: nine.Add(30 * time.Minute), Estimate: 2.00001},
	}

	got := d.Series("site-a", undampened, nine, false)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Estimate)
	assert.Equal(t, 1.0, got[1].Estimate)

	excluded := d.Series("site-a", undampened, nine, true)
	require.Len(t, excluded, 2)
	assert.Equal(t, 2.0, excluded[0].Estimate)
	assert.Equal(t, 2.0, excluded[1].Estimate)
}

func TestGranularSeries(t *testing.T) {
	list := make([]float64, 48)
	for i := range list {
		list[i] = 1
	}
	list[19] = 0.25 // 09:30
	cfg, err := types.DefaultDampening().WithFactors("site-a", list, []string{"site-a"})
	require.NoError(t, err)
	d := New(cfg, loc)

	got := d.Series("site-a", []types.Interval{
		{PeriodStart: nine, Estimate: 2},
		{PeriodStart: nine.Add(30 * time.Minute), Estimate: 2},
	}, nine, false)
	assert.Equal(t, 2.0, got[0].Estimate)
	assert.Equal(t, 0.5, got[1].Estimate)
}
