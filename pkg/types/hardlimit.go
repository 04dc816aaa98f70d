package types

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// HardLimit is a validated, comma separated list of power ceilings in kW. A
// single value is shared by every account key; multiple values apply to the
// account keys in configuration order.
type HardLimit struct {
	values []float64
}

// ParseHardLimit validates s against the number of configured account keys.
// Each value must be a non-negative number and there may be no more values
// than keys. An empty string is the same as NoHardLimit.
func ParseHardLimit(s string, keyCount int) (HardLimit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = NoHardLimit
	}
	var h HardLimit
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		v, err := strconv.ParseFloat(part, 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) || strings.ContainsAny(part, "+-eE") {
			return HardLimit{}, &ValidationError{
				Field:  "hard_limit",
				Reason: fmt.Sprintf("%q is not a positive number", part),
			}
		}
		h.values = append(h.values, v)
	}
	if keyCount > 0 && len(h.values) > keyCount {
		return HardLimit{}, &ValidationError{
			Field:  "hard_limit",
			Reason: fmt.Sprintf("%d limits given for %d account keys", len(h.values), keyCount),
		}
	}
	return h, nil
}

// String formats the limits the way they are stored, one decimal place each.
func (h HardLimit) String() string {
	if len(h.values) == 0 {
		return NoHardLimit
	}
	parts := make([]string, len(h.values))
	for i, v := range h.values {
		parts[i] = fmt.Sprintf("%.1f", v)
	}
	return strings.Join(parts, ",")
}

// Enabled reports whether any value differs from the no-limit sentinel.
func (h HardLimit) Enabled() bool {
	return slices.ContainsFunc(h.values, func(v float64) bool {
		return fmt.Sprintf("%.1f", v) != NoHardLimit
	})
}

// MultiKey reports whether limits are applied per account key rather than
// across every site.
func (h HardLimit) MultiKey() bool {
	return len(h.values) > 1
}

// ForKey returns the limit for the account key. keys is the configured key
// order. Keys without a matching value are not limited.
func (h HardLimit) ForKey(keys []string, key string) float64 {
	switch {
	case len(h.values) == 0:
		return 100
	case len(h.values) == 1:
		return h.values[0]
	}
	idx := slices.Index(keys, key)
	if idx < 0 || idx >= len(h.values) {
		return 100
	}
	return h.values[idx]
}
