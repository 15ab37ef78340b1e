package agent

import (
	"context"
	"encoding/json"

	"github.com/thobiasn/magpie/internal/protocol"
)

// handleGetValues serves one history.get_values call on the run loop.
// Requested channels are resolved through the registry, so a channel no
// message has touched yet gets its id here, same as on ingest.
func (a *Agent) handleGetValues(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := protocol.DecodeHistoryRequest(params)
	if err != nil {
		return nil, err
	}
	a.queries++

	channelIDs := make([]int64, len(req.Channels))
	index := make(map[int64]int, len(req.Channels))
	names := make(map[int64]protocol.ChannelRef, len(req.Channels))
	for i, ref := range req.Channels {
		id, err := a.registry.channelID(ctx, Channel{Device: ref.Device, Control: ref.Control})
		if err != nil {
			return nil, err
		}
		channelIDs[i] = id
		index[id] = i
		names[id] = ref
	}

	samples, hasMore, err := a.store.SelectSamples(ctx, SampleFilter{
		ChannelIDs:    channelIDs,
		Gt:            req.Timestamp.Gt,
		Lt:            req.Timestamp.Lt,
		UIDGt:         req.UID.Gt,
		MinIntervalMs: req.MinInterval,
		Limit:         req.Limit,
	})
	if err != nil {
		return nil, err
	}

	values := make([]protocol.HistoryRow, 0, len(samples))
	for _, s := range samples {
		row := protocol.HistoryRow{
			Ver:       req.Ver,
			UID:       s.UID,
			Value:     s.Value,
			Timestamp: s.Timestamp,
		}
		// Names and indexes come from the request, not the database:
		// version 0 echoes the requested pair, version 1 refers back to
		// the requested channel list by position.
		if req.Ver == 1 {
			row.Index = index[s.ChannelID]
		} else {
			ref := names[s.ChannelID]
			row.Device = ref.Device
			row.Control = ref.Control
		}
		values = append(values, row)
	}

	return &protocol.HistoryResponse{Values: values, HasMore: hasMore}, nil
}
