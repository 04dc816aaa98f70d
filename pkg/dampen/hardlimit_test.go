package dampen

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/raterudder/forecaster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLimit(t *testing.T, s string, keys int) types.HardLimit {
	t.Helper()
	h, err := types.ParseHardLimit(s, keys)
	require.NoError(t, err)
	return h
}

func TestCapPeriod(t *testing.T) {
	got := CapPeriod(map[string]float64{"a": 1.5, "b": 0.5}, 0.8)
	assert.Equal(t, 0.6, got["a"])
	assert.Equal(t, 0.2, got["b"])

	got = CapPeriod(map[string]float64{"a": 0.3, "b": 0.1}, 0.8)
	assert.Equal(t, 0.3, got["a"])
	assert.Equal(t, 0.1, got["b"])

	got = CapPeriod(map[string]float64{"a": 0, "b": 0}, 0.8)
	assert.Equal(t, 0.0, got["a"])

	t.Run("equal shares stay under the ceiling", func(t *testing.T) {
		values := map[string]float64{}
		for i := range 6 {
			values[fmt.Sprintf("site-%d", i)] = 1
		}
		var sum float64
		for _, v := range CapPeriod(values, 1.0) {
			assert.Equal(t, 0.1666, v)
			sum += v
		}
		assert.LessOrEqual(t, types.Round(sum), 1.0)
		assert.Equal(t, 0.9996, types.Round(sum))
	})
}

func TestDampenThenLimit(t *testing.T) {
	cfg := types.DefaultDampening()
	cfg.Hourly[9] = 0.5
	d := New(cfg, loc)

	series := map[string][]types.Interval{
		"a": d.Series("a", []types.Interval{{PeriodStart: nine, Estimate: 3.0, Estimate10: 3.0, Estimate90: 3.0}}, nine, false),
		"b": d.Series("b", []types.Interval{{PeriodStart: nine, Estimate: 1.0, Estimate10: 1.0, Estimate90: 1.0}}, nine, false),
	}
	l := NewLimiter(mustLimit(t, "0.8", 1), []string{"k1"})
	got := l.Apply(series, map[string]string{"a": "k1", "b": "k1"})
	assert.Equal(t, 0.6, got["a"][0].Estimate)
	assert.Equal(t, 0.2, got["b"][0].Estimate)
	assert.Equal(t, 0.6, got["a"][0].Estimate90)

	// input untouched
	assert.Equal(t, 1.5, series["a"][0].Estimate)
}

func TestLimiterPerKey(t *testing.T) {
	series := map[string][]types.Interval{
		"a": {{PeriodStart: nine, Estimate: 4}},
		"b": {{PeriodStart: nine, Estimate: 4}},
		"c": {{PeriodStart: nine, Estimate: 4}},
	}
	keys := []string{"k1", "k2"}
	siteKeys := map[string]string{"a": "k1", "b": "k1", "c": "k2"}

	l := NewLimiter(mustLimit(t, "2,100", 2), keys)
	got := l.Apply(series, siteKeys)
	assert.Equal(t, 1.0, got["a"][0].Estimate)
	assert.Equal(t, 1.0, got["b"][0].Estimate)
	assert.Equal(t, 4.0, got["c"][0].Estimate)

	t.Run("disabled", func(t *testing.T) {
		l := NewLimiter(mustLimit(t, types.NoHardLimit, 2), keys)
		assert.False(t, l.Enabled())
		assert.Equal(t, series, l.Apply(series, siteKeys))
	})

	t.Run("site missing a period", func(t *testing.T) {
		s := map[string][]types.Interval{
			"a": {{PeriodStart: nine, Estimate: 3}, {PeriodStart: nine.Add(30 * time.Minute), Estimate: 3}},
			"b": {{PeriodStart: nine, Estimate: 1}},
		}
		got := NewLimiter(mustLimit(t, "2", 1), nil).Apply(s, nil)
		assert.Equal(t, 1.5, got["a"][0].Estimate)
		assert.Equal(t, 0.5, got["b"][0].Estimate)
		assert.Equal(t, 2.0, got["a"][1].Estimate)
	})
}

func TestLimiterNeverExceedsCeiling(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for n := 0; n < 50; n++ {
		limit := 0.5 + r.Float64()*5
		series := map[string][]types.Interval{}
		for s := 0; s < 1+r.IntN(4); s++ {
			var ivs []types.Interval
			for p := 0; p < 6; p++ {
				ivs = append(ivs, types.Interval{
					PeriodStart: nine.Add(time.Duration(p) * types.IntervalLength),
					Estimate:    types.Round(r.Float64() * 4),
				})
			}
			series[fmt.Sprintf("site-%d", s)] = ivs
		}
		limitStr := fmt.Sprintf("%.1f", limit)
		ceiling, err := strconv.ParseFloat(limitStr, 64)
		require.NoError(t, err)
		got := NewLimiter(mustLimit(t, limitStr, 1), nil).Apply(series, nil)
		for p := 0; p < 6; p++ {
			var in, out float64
			for site := range series {
				in += series[site][p].Estimate
				out += got[site][p].Estimate
			}
			tolerance := 0.0001 * float64(len(series))
			assert.LessOrEqual(t, types.Round(out), ceiling)
			if in > ceiling {
				assert.InDelta(t, ceiling, out, tolerance)
			} else {
				assert.InDelta(t, in, out, tolerance)
			}
		}
	}
}
