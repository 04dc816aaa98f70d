package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHardLimit(t *testing.T) {
	t.Run("single value", func(t *testing.T) {
		h, err := ParseHardLimit(" 5 ", 2)
		require.NoError(t, err)
		assert.True(t, h.Enabled())
		assert.False(t, h.MultiKey())
		assert.Equal(t, "5.0", h.String())
		assert.Equal(t, 5.0, h.ForKey([]string{"k1", "k2"}, "k2"))
	})

	t.Run("per key", func(t *testing.T) {
		h, err := ParseHardLimit("5,7.5", 2)
		require.NoError(t, err)
		assert.True(t, h.MultiKey())
		assert.Equal(t, "5.0,7.5", h.String())
		keys := []string{"k1", "k2"}
		assert.Equal(t, 5.0, h.ForKey(keys, "k1"))
		assert.Equal(t, 7.5, h.ForKey(keys, "k2"))
		assert.Equal(t, 100.0, h.ForKey(keys, "k3"))
	})

	t.Run("sentinel disables", func(t *testing.T) {
		h, err := ParseHardLimit("100", 1)
		require.NoError(t, err)
		assert.False(t, h.Enabled())

		h, err = ParseHardLimit("", 1)
		require.NoError(t, err)
		assert.False(t, h.Enabled())
		assert.Equal(t, NoHardLimit, h.String())

		h, err = ParseHardLimit("100.0,100.0", 2)
		require.NoError(t, err)
		assert.False(t, h.Enabled())
	})

	for _, bad := range []string{"abc", "-1", "1e3", "5,,6", "NaN"} {
		t.Run("rejects "+bad, func(t *testing.T) {
			_, err := ParseHardLimit(bad, 3)
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}

	t.Run("too many", func(t *testing.T) {
		_, err := ParseHardLimit("1,2,3", 2)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "hard_limit", verr.Field)
	})
}
