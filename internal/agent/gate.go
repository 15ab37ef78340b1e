package agent

import "time"

// gate applies a group's per-channel rate limits. State is keyed by
// channel id and advances only through save, so a message dropped by the
// gate (or lost to a failed insert) never counts toward the limits of the
// messages after it.
type gate struct {
	now func() time.Time

	lastSaved map[int64]time.Time
	lastValue map[int64]string
}

func newGate(now func() time.Time) *gate {
	return &gate{
		now:       now,
		lastSaved: make(map[int64]time.Time),
		lastValue: make(map[int64]string),
	}
}

// allow reports whether a message on the channel may be stored now. When
// it may not, the second return is the reason for the drop log. The first
// message on a channel always passes.
func (g *gate) allow(channelID int64, value string, minInterval, minUnchangedInterval time.Duration) (bool, string) {
	if minInterval <= 0 && minUnchangedInterval <= 0 {
		return true, ""
	}
	last, seen := g.lastSaved[channelID]
	if !seen {
		return true, ""
	}
	elapsed := g.now().Sub(last)
	if minInterval > 0 && elapsed < minInterval {
		return false, "rate limit"
	}
	if minUnchangedInterval > 0 && g.lastValue[channelID] == value && elapsed < minUnchangedInterval {
		return false, "rate limit (unchanged value)"
	}
	return true, ""
}

// save records that a message on the channel was stored. Call it only
// after the insert succeeded.
func (g *gate) save(channelID int64, value string) {
	g.lastSaved[channelID] = g.now()
	g.lastValue[channelID] = value
}
