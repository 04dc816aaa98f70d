package types

import "time"

// DefaultDailyLimit is the daily call allowance of a hobbyist account.
const DefaultDailyLimit = 10

// Usage is the persisted call counter of one account key.
type Usage struct {
	DailyLimit         int       `json:"daily_limit"`
	DailyLimitConsumed int       `json:"daily_limit_consumed"`
	Reset              time.Time `json:"reset"`
}

// NewUsage returns an unused counter with the given limit that was last reset
// at the previous UTC midnight.
func NewUsage(limit int, now time.Time) Usage {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return Usage{
		DailyLimit: limit,
		Reset:      PreviousUTCMidnight(now),
	}
}

// Remaining returns the calls left today, never negative.
func (u Usage) Remaining() int {
	return max(0, u.DailyLimit-u.DailyLimitConsumed)
}

// Stale reports whether the counter is due a reset at now.
func (u Usage) Stale(now time.Time) bool {
	return now.After(u.Reset.Add(24 * time.Hour))
}

// PreviousUTCMidnight returns 00:00 UTC of the day containing now.
func PreviousUTCMidnight(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}
