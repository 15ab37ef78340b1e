package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// statsInterval is how often the run loop reports its counters.
const statsInterval = 5 * time.Minute

// Bus is the slice of the transport the agent needs: pattern
// subscriptions feeding Enqueue, and RPC method registration.
type Bus interface {
	Subscribe(pattern string) error
	RegisterMethod(namespace, method string, handler func(ctx context.Context, params json.RawMessage) (any, error)) error
}

// group is one logging group at runtime: its configured limits, its id in
// the groups table, and the row counter backing the values_total ring.
type group struct {
	name     string
	patterns []string

	values               int64
	valuesTotal          int64
	minInterval          time.Duration
	minUnchangedInterval time.Duration

	id   int64
	rows int64
}

// message is one delivered bus message waiting for the run loop.
type message struct {
	topic   string
	payload []byte
}

type rpcCall struct {
	params json.RawMessage
	resp   chan rpcResult
}

type rpcResult struct {
	value any
	err   error
}

// Agent subscribes to the configured topic patterns, persists matching
// messages, and answers history queries. All mutable state is owned by
// the Run loop; the transport reaches it only through Enqueue and
// CallGetValues.
type Agent struct {
	cfg   *Config
	store *Store

	registry *registry
	gate     *gate

	groups      []*group
	groupsByID  map[int64]*group
	channelRows map[int64]int64

	messages chan message
	calls    chan rpcCall
	done     chan struct{}

	now func() time.Time

	saved   int64
	dropped int64
	queries int64
}

// New opens the database, resolves the configured groups to their stored
// ids, and seeds the retention counters from the existing rows.
func New(cfg *Config) (*Agent, error) {
	store, err := OpenStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx := context.Background()

	reg, err := newRegistry(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	groups, byID, err := buildGroups(ctx, store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	channelRows, err := store.CountByChannel(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("seed channel counters: %w", err)
	}
	groupRows, err := store.CountByGroup(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("seed group counters: %w", err)
	}
	for _, g := range groups {
		g.rows = groupRows[g.id]
	}

	return &Agent{
		cfg:         cfg,
		store:       store,
		registry:    reg,
		gate:        newGate(time.Now),
		groups:      groups,
		groupsByID:  byID,
		channelRows: channelRows,
		messages:    make(chan message, 256),
		calls:       make(chan rpcCall),
		done:        make(chan struct{}),
		now:         time.Now,
	}, nil
}

// buildGroups resolves configured groups against the groups table,
// inserting rows for groups seen for the first time. The returned slice
// is in match order: sorted by name, first match wins.
func buildGroups(ctx context.Context, store *Store, cfg *Config) ([]*group, map[int64]*group, error) {
	stored, err := store.LoadGroups(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load groups: %w", err)
	}

	groups := make([]*group, 0, len(cfg.Groups))
	byID := make(map[int64]*group, len(cfg.Groups))
	for _, name := range cfg.GroupNames() {
		gc := cfg.Groups[name]
		id, ok := stored[name]
		if !ok {
			if id, err = store.InsertGroup(ctx, name); err != nil {
				return nil, nil, fmt.Errorf("insert group %q: %w", name, err)
			}
		}
		g := &group{
			name:                 name,
			patterns:             gc.Channels,
			values:               int64(gc.Values),
			valuesTotal:          int64(gc.ValuesTotal),
			minInterval:          time.Duration(gc.MinInterval) * time.Second,
			minUnchangedInterval: time.Duration(gc.MinUnchangedInterval) * time.Second,
			id:                   id,
		}
		groups = append(groups, g)
		byID[g.id] = g
	}
	return groups, byID, nil
}

// Run subscribes the group patterns, registers the history RPC method,
// and serves messages and calls until ctx is cancelled.
func (a *Agent) Run(ctx context.Context, bus Bus) error {
	slog.Info("logger starting", "db", a.cfg.Database, "groups", len(a.groups))

	for _, g := range a.groups {
		for _, pattern := range g.patterns {
			if err := bus.Subscribe(pattern); err != nil {
				return fmt.Errorf("subscribe %q: %w", pattern, err)
			}
		}
	}
	if err := bus.RegisterMethod("history", "get_values", a.CallGetValues); err != nil {
		return fmt.Errorf("register get_values: %w", err)
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case m := <-a.messages:
			a.handleMessage(ctx, m.topic, m.payload)
		case c := <-a.calls:
			value, err := a.handleGetValues(ctx, c.params)
			c.resp <- rpcResult{value: value, err: err}
		case <-ticker.C:
			slog.Info("logger stats", "saved", a.saved, "dropped", a.dropped, "queries", a.queries)
		}
	}
}

// Enqueue hands a delivered message to the run loop. It blocks while the
// loop is saturated, which slows the transport's dispatcher in turn, and
// returns without queueing once the agent has shut down.
func (a *Agent) Enqueue(topic string, payload []byte) {
	select {
	case a.messages <- message{topic: topic, payload: payload}:
	case <-a.done:
	}
}

// CallGetValues runs one history request on the run loop and waits for
// the result. It is safe to call from transport goroutines.
func (a *Agent) CallGetValues(ctx context.Context, params json.RawMessage) (any, error) {
	call := rpcCall{params: params, resp: make(chan rpcResult, 1)}
	select {
	case a.calls <- call:
	case <-a.done:
		return nil, errors.New("shutting down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-call.resp:
		return res.value, res.err
	case <-a.done:
		return nil, errors.New("shutting down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shutdown stops the agent in order:
// 1. Close done so transport callbacks stop feeding the mailbox
// 2. Close the store, flushing cached statements
func (a *Agent) shutdown() error {
	slog.Info("logger shutting down")

	close(a.done)

	if err := a.store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}

	slog.Info("logger stopped")
	return nil
}
