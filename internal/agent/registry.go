package agent

import (
	"context"
	"fmt"
)

// registry caches the integer ids of devices and channels so the insert
// path never queries identity tables. Ids are loaded once at startup and
// new ones are created on first sight, whether that sight is an incoming
// message or a history request.
type registry struct {
	store    *Store
	devices  map[string]int64
	channels map[Channel]int64
}

func newRegistry(ctx context.Context, store *Store) (*registry, error) {
	devices, err := store.LoadDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	channels, err := store.LoadChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	return &registry{store: store, devices: devices, channels: channels}, nil
}

func (r *registry) deviceID(ctx context.Context, device string) (int64, error) {
	if id, ok := r.devices[device]; ok {
		return id, nil
	}
	id, err := r.store.InsertDevice(ctx, device)
	if err != nil {
		return 0, fmt.Errorf("insert device %q: %w", device, err)
	}
	r.devices[device] = id
	return id, nil
}

func (r *registry) channelID(ctx context.Context, ch Channel) (int64, error) {
	if id, ok := r.channels[ch]; ok {
		return id, nil
	}
	id, err := r.store.InsertChannel(ctx, ch)
	if err != nil {
		return 0, fmt.Errorf("insert channel %s/%s: %w", ch.Device, ch.Control, err)
	}
	r.channels[ch] = id
	return id, nil
}
