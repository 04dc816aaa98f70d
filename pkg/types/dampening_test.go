package types

import (
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func factors(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestDampeningWithFactors(t *testing.T) {
	sites := []string{"site-a", "site-b"}
	base := DefaultDampening()

	tests := []struct {
		name    string
		site    string
		factors []float64
		field   string
		check   func(t *testing.T, c DampeningConfig)
	}{
		{
			name:    "24 without site sets hourly",
			factors: factors(24, 0.5),
			check: func(t *testing.T, c DampeningConfig) {
				assert.False(t, c.GranularActive())
				assert.Equal(t, 0.5, c.Hourly[9])
			},
		},
		{
			name:    "48 without site implies all",
			factors: factors(48, 0.8),
			check: func(t *testing.T, c DampeningConfig) {
				assert.True(t, c.GranularActive())
				assert.Len(t, c.Granular[AllSites], 48)
			},
		},
		{
			name:    "24 for known site",
			site:    "site-b",
			factors: factors(24, 0.7),
			check: func(t *testing.T, c DampeningConfig) {
				assert.Len(t, c.Granular["site-b"], 24)
			},
		},
		{name: "wrong count", factors: factors(12, 1), field: "damp_factor"},
		{name: "out of range", factors: append(factors(23, 1), 1.5), field: "damp_factor"},
		{name: "negative", factors: append(factors(23, 1), -0.1), field: "damp_factor"},
		{name: "all needs 48", site: AllSites, factors: factors(24, 1), field: "site"},
		{name: "unknown site", site: "site-z", factors: factors(24, 1), field: "site"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := base.WithFactors(tt.site, tt.factors, sites)
			if tt.field != "" {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
				assert.ErrorIs(t, err, ErrConfigInvalid)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}

	t.Run("hourly clears granular", func(t *testing.T) {
		c, err := base.WithFactors("site-a", factors(48, 0.5), sites)
		require.NoError(t, err)
		require.True(t, c.GranularActive())
		c, err = c.WithFactors("", factors(24, 0.9), sites)
		require.NoError(t, err)
		assert.False(t, c.GranularActive())
	})

	t.Run("receiver is not modified", func(t *testing.T) {
		c, err := base.WithFactors("site-a", factors(48, 0.5), sites)
		require.NoError(t, err)
		_, err = c.WithFactors("site-b", factors(48, 0.2), sites)
		require.NoError(t, err)
		assert.NotContains(t, c.Granular, "site-b")
	})
}

func TestDampeningFactor(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	// 09:30 local
	start := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)

	t.Run("hourly uses local hour", func(t *testing.T) {
		c := DefaultDampening()
		c.Hourly[9] = 0.5
		assert.Equal(t, 0.5, c.Factor("site-a", start, loc))
		assert.Equal(t, 1.0, c.Factor("site-a", start.Add(time.Hour), loc))
	})

	t.Run("granular 48 uses half hour slot", func(t *testing.T) {
		list := factors(48, 1)
		list[18] = 0.3
		list[19] = 0.4
		c := DefaultDampening()
		c.Hourly[9] = 0.1
		c.Granular = map[string][]float64{"site-a": list}
		assert.Equal(t, 0.4, c.Factor("site-a", start, loc))
		assert.Equal(t, 0.3, c.Factor("site-a", start.Add(-30*time.Minute), loc))
		// legacy factors are ignored while granular is active
		assert.Equal(t, 1.0, c.Factor("site-b", start, loc))
	})

	t.Run("all overrides site list", func(t *testing.T) {
		c := DefaultDampening()
		c.Granular = map[string][]float64{
			"site-a": factors(24, 0.2),
			AllSites: factors(48, 0.6),
		}
		assert.Equal(t, 0.6, c.Factor("site-a", start, loc))
	})

	t.Run("capped at one", func(t *testing.T) {
		c := DefaultDampening()
		c.Hourly[9] = 1.5
		assert.Equal(t, 1.0, c.Factor("site-a", start, loc))
	})
}

func TestDampeningFactors(t *testing.T) {
	c := DefaultDampening()
	got, ok := c.Factors("")
	require.True(t, ok)
	assert.Len(t, got, 24)

	_, ok = c.Factors("site-a")
	assert.False(t, ok)

	c.Granular = map[string][]float64{"site-a": factors(48, 0.5)}
	got, ok = c.Factors("site-a")
	require.True(t, ok)
	assert.Len(t, got, 48)
	got[0] = 0
	assert.Equal(t, 0.5, c.Granular["site-a"][0])

	_, ok = c.Factors("")
	assert.False(t, ok)
}

func TestHourlyFactorsJSON(t *testing.T) {
	c := DefaultDampening()
	c.Hourly[3] = 0.25
	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"3":0.25`)
	assert.Contains(t, string(b), `"23":1`)

	var got DampeningConfig
	require.NoError(t, json.Unmarshal([]byte(`{"version":1,"hourly":{"9":0.5}}`), &got))
	assert.Equal(t, 0.5, got.Hourly[9])
	assert.Equal(t, 1.0, got.Hourly[0])
	assert.True(t, slices.Equal(got.Hourly[10:], factors(14, 1)))

	assert.Error(t, json.Unmarshal([]byte(`{"hourly":{"24":0.5}}`), &got))
}
