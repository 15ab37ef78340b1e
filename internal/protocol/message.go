package protocol

import (
	"encoding/json"
	"errors"
)

// RPC error codes, following the JSON-RPC convention used on the bus.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeServerError    = -32000
)

// Request is the top-level envelope of an incoming RPC call. Params is
// decoded in a second pass by the method handler.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Response is the top-level envelope of an RPC reply. Exactly one of
// Result and Error is set; ID echoes the request.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error describes a failed call.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// --- history.get_values ---

// MaxTimestamp is the default exclusive upper bound of a history query,
// far enough in the future to admit every stored sample.
const MaxTimestamp = 10675199167

// ChannelRef names a channel as a [device, control] pair on the wire.
type ChannelRef struct {
	Device  string
	Control string
}

func (c ChannelRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{c.Device, c.Control})
}

func (c *ChannelRef) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil || len(pair) != 2 {
		return errors.New("'channels' items must be an arrays of size two")
	}
	c.Device = pair[0]
	c.Control = pair[1]
	return nil
}

// TimeRange bounds sample timestamps in Unix seconds, both ends exclusive.
type TimeRange struct {
	Gt float64 `json:"gt"`
	Lt float64 `json:"lt"`
}

// UIDRange is the exclusive lower uid bound used for cursor paging.
type UIDRange struct {
	Gt int64 `json:"gt"`
}

// HistoryRequest is the params object of a history.get_values call.
type HistoryRequest struct {
	Ver         int          `json:"ver"`
	Channels    []ChannelRef `json:"channels"`
	Timestamp   TimeRange    `json:"timestamp"`
	UID         UIDRange     `json:"uid"`
	Limit       int          `json:"limit"`
	MinInterval int          `json:"min_interval"` // down-sample bucket width, milliseconds
}

// HistoryResponse is the result object of a history.get_values call.
// Values must be non-nil so an empty result serializes as [].
type HistoryResponse struct {
	Values  []HistoryRow `json:"values"`
	HasMore bool         `json:"has_more,omitempty"`
}

// HistoryRow is one sample of a history result. Ver selects the wire
// shape: 0 marshals {uid, device, control, value, timestamp}, 1 the
// compact {i, c, v, t} where c is the position of the channel in the
// request's channels array.
type HistoryRow struct {
	Ver       int
	UID       int64
	Index     int
	Device    string
	Control   string
	Value     string
	Timestamp float64
}

func (r HistoryRow) MarshalJSON() ([]byte, error) {
	if r.Ver == 1 {
		return json.Marshal(struct {
			I int64   `json:"i"`
			C int     `json:"c"`
			V string  `json:"v"`
			T float64 `json:"t"`
		}{r.UID, r.Index, r.Value, r.Timestamp})
	}
	return json.Marshal(struct {
		UID       int64   `json:"uid"`
		Device    string  `json:"device"`
		Control   string  `json:"control"`
		Value     string  `json:"value"`
		Timestamp float64 `json:"timestamp"`
	}{r.UID, r.Device, r.Control, r.Value, r.Timestamp})
}
