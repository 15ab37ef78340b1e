package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeRequest parses an RPC request envelope.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

// DecodeHistoryRequest parses get_values params, applying defaults for
// absent fields. Nil params are treated as an empty object.
func DecodeHistoryRequest(params json.RawMessage) (*HistoryRequest, error) {
	req := HistoryRequest{
		Timestamp: TimeRange{Lt: MaxTimestamp},
		UID:       UIDRange{Gt: -1},
		Limit:     -1,
	}
	if len(params) == 0 {
		params = []byte("null")
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if req.Ver != 0 && req.Ver != 1 {
		return nil, errors.New("unsupported request version")
	}
	if req.Channels == nil {
		return nil, errors.New("no channels specified")
	}
	if req.MinInterval < 0 {
		req.MinInterval = 0
	}
	return &req, nil
}

// EncodeResult builds the reply payload for a successful call.
func EncodeResult(id json.RawMessage, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return json.Marshal(Response{ID: id, Result: raw})
}

// EncodeError builds the reply payload for a failed call.
func EncodeError(id json.RawMessage, code int, message string) ([]byte, error) {
	return json.Marshal(Response{ID: id, Error: &Error{Code: code, Message: message}})
}
