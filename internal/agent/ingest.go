package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ncruces/julianday"

	"github.com/thobiasn/magpie/internal/mqtt"
)

// ringThreshold is the eviction hysteresis: a ring's counter may overrun
// its limit by this fraction before the excess rows are deleted in one
// statement, amortizing the deletes over many inserts.
const ringThreshold = 0.02

// handleMessage stores one delivered message: find its group, parse the
// channel identity from the topic, apply the rate gate, insert, then
// enforce the retention rings. Messages that carry no channel are dropped
// without logging.
func (a *Agent) handleMessage(ctx context.Context, topic string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	g := a.matchGroup(topic)
	if g == nil {
		return
	}
	device, control, ok := splitTopic(topic)
	if !ok {
		a.dropped++
		return
	}
	value := string(payload)

	channelID, err := a.registry.channelID(ctx, Channel{Device: device, Control: control})
	if err != nil {
		slog.Error("failed to resolve channel", "topic", topic, "error", err)
		return
	}
	deviceID, err := a.registry.deviceID(ctx, device)
	if err != nil {
		slog.Error("failed to resolve device", "topic", topic, "error", err)
		return
	}

	if ok, reason := a.gate.allow(channelID, value, g.minInterval, g.minUnchangedInterval); !ok {
		slog.Warn(reason, "topic", topic)
		a.dropped++
		return
	}

	start := time.Now()
	ts := julianday.Float(a.now())
	if err := a.store.InsertSample(ctx, deviceID, channelID, value, ts, g.id); err != nil {
		slog.Error("failed to store message", "topic", topic, "error", err)
		return
	}
	a.gate.save(channelID, value)
	a.saved++

	a.channelRows[channelID]++
	g.rows++
	a.enforceRings(ctx, g, channelID)
	slog.Debug("message stored", "topic", topic, "took", time.Since(start))
}

// matchGroup returns the first group with a pattern matching the topic.
// Groups are tried in name order, so a topic matched by several groups
// lands in the same one on every run.
func (a *Agent) matchGroup(topic string) *group {
	for _, g := range a.groups {
		for _, pattern := range g.patterns {
			if mqtt.Match(pattern, topic) {
				return g
			}
		}
	}
	return nil
}

// splitTopic extracts the device and control names from a data topic of
// the form /devices/<device>/controls/<control>.
func splitTopic(topic string) (device, control string, ok bool) {
	tokens := strings.Split(topic, "/")
	if len(tokens) < 5 {
		return "", "", false
	}
	return tokens[2], tokens[4], true
}

// enforceRings applies the per-channel and the per-group retention rings
// after an insert, channel ring first. On success the trimmed ring's
// counter is reset to its limit and the other dimension's counters are
// decremented from the delete's breakdown. On failure counters are left
// alone; they still reflect an upper bound and the next insert retries.
func (a *Agent) enforceRings(ctx context.Context, g *group, channelID int64) {
	if g.values > 0 && float64(a.channelRows[channelID]) > float64(g.values)*(1+ringThreshold) {
		n := a.channelRows[channelID] - g.values
		deleted, err := a.store.EvictChannel(ctx, channelID, n)
		if err != nil {
			slog.Error("failed to trim channel", "channel", channelID, "error", err)
		} else {
			a.channelRows[channelID] = g.values
			for groupID, count := range deleted {
				if og, ok := a.groupsByID[groupID]; ok {
					og.rows -= count
				}
			}
		}
	}

	if g.valuesTotal > 0 && float64(g.rows) > float64(g.valuesTotal)*(1+ringThreshold) {
		n := g.rows - g.valuesTotal
		deleted, err := a.store.EvictGroup(ctx, g.id, n)
		if err != nil {
			slog.Error("failed to trim group", "group", g.name, "error", err)
		} else {
			g.rows = g.valuesTotal
			for chID, count := range deleted {
				a.channelRows[chID] -= count
			}
		}
	}
}
