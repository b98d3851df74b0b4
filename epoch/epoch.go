package epoch

import (
	"time"
)

// Week is the default scoring window.
const Week = 7 * 24 * time.Hour

// Clock maps wall-clock time to epoch numbers for one leaderboard family.
// The zero value is not usable; Anchor must be set.
type Clock struct {
	Anchor time.Time
	Period time.Duration
}

func NewClock(anchor time.Time, period time.Duration) Clock {
	if period <= 0 {
		period = Week
	}
	return Clock{Anchor: anchor.UTC(), Period: period}
}

// Of returns the epoch containing t. Instants before the anchor map to 1.
func Of(t, anchor time.Time, period time.Duration) int64 {
	if period <= 0 {
		period = Week
	}
	elapsed := t.Sub(anchor)
	if elapsed < 0 {
		return 1
	}
	return int64(elapsed/period) + 1
}

func (c Clock) Of(t time.Time) int64 {
	return Of(t, c.Anchor, c.Period)
}

func (c Clock) Current() int64 {
	return c.Of(time.Now())
}

// Start returns the first instant of epoch n.
func (c Clock) Start(n int64) time.Time {
	if n < 1 {
		n = 1
	}
	return c.Anchor.Add(time.Duration(n-1) * c.Period)
}

// End returns the first instant after epoch n.
func (c Clock) End(n int64) time.Time {
	return c.Start(n).Add(c.Period)
}

// Remaining is the time left until the current epoch closes.
func (c Clock) Remaining(now time.Time) time.Duration {
	return c.End(c.Of(now)).Sub(now)
}
