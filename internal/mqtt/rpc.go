package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/thobiasn/magpie/internal/protocol"
)

// Handler runs one RPC call. The returned value is marshalled into the
// reply's result field; an error becomes the reply's error object.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// RegisterMethod exposes handler as an RPC method. Requests arrive on
// /rpc/v1/<service>/<namespace>/<method>/<caller id> and each reply is
// published to the request topic plus "/reply".
func (c *Client) RegisterMethod(namespace, method string, handler func(ctx context.Context, params json.RawMessage) (any, error)) error {
	pattern := fmt.Sprintf("/rpc/v1/%s/%s/%s/+", c.service, namespace, method)
	return c.handle(pattern, func(topic string, payload []byte) {
		reply := serveRPC(payload, handler)
		if reply == nil {
			return
		}
		if err := c.Publish(topic+"/reply", reply); err != nil {
			slog.Error("failed to publish rpc reply", "topic", topic, "error", err)
		}
	})
}

// serveRPC answers one request payload. Malformed requests get an error
// reply rather than silence: unparseable bytes report a parse error with
// a null id, a valid JSON document of the wrong shape an invalid request.
func serveRPC(payload []byte, handler Handler) []byte {
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		code := protocol.CodeParseError
		if json.Valid(payload) {
			code = protocol.CodeInvalidRequest
		}
		return errorReply(nil, code, err.Error())
	}

	result, err := handler(context.Background(), req.Params)
	if err != nil {
		return errorReply(req.ID, protocol.CodeServerError, err.Error())
	}

	out, err := protocol.EncodeResult(req.ID, result)
	if err != nil {
		return errorReply(req.ID, protocol.CodeServerError, err.Error())
	}
	return out
}

func errorReply(id json.RawMessage, code int, message string) []byte {
	out, err := protocol.EncodeError(id, code, message)
	if err != nil {
		slog.Error("failed to encode rpc error", "error", err)
		return nil
	}
	return out
}
