// Package jsonrpc defines the JSON-RPC 2.0 wire model and the in-flight
// call handles correlated against it: Request, Response, Call, and
// BatchCall, plus canonical encode/decode helpers.
//
// The envelope shape is generalized from the teacher's message.RPCMessage
// (ServiceMethod/Error/Payload) into the standard JSON-RPC 2.0 object, and
// id-based correlation replaces the teacher's sequence-number framing
// (protocol.Header.Seq) since JSON-RPC carries the correlating id inside
// the message body rather than in a transport header.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Request is a single JSON-RPC 2.0 request object. ID is nil for a
// notification: notifications are sent but never tracked.
type Request struct {
	ID     *string         `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON emits the canonical {jsonrpc, id, method, params} object.
func (r *Request) MarshalJSON() ([]byte, error) {
	type wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *string         `json:"id,omitempty"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	return json.Marshal(wire{JSONRPC: Version, ID: r.ID, Method: r.Method, Params: r.Params})
}

// IsNotification reports whether this request carries no id and is
// therefore fire-and-forget: sent but never registered with a tracker.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard and implementation-defined error codes (spec.md §6).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeInternalTimeout is the implementation-defined code surfaced
	// when CallTimeout completes a call (spec.md §4.5 step 3).
	CodeInternalTimeout = -32000
	// CodeConnectionClosed is surfaced by issue dispatch when a client
	// is closed, or its connection lost, while calls are still in
	// flight; a fatal null-id error dispatched the same way uses it too.
	CodeConnectionClosed = -32001
)

// Response is a single JSON-RPC 2.0 response object. ID is nil only for
// a protocol-level error (a decoder fault, or a server-originated fatal
// error): that shape drives issue dispatch instead of normal routing.
type Response struct {
	ID     *string         `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// rawResponse keeps the id as raw JSON so DecodeResponse can normalize a
// numeric id to its string form. An explicit JSON null id and an absent
// id field are treated alike: both decode to a nil ID.
type rawResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// DecodeResponse parses a single response object from raw bytes.
func DecodeResponse(raw []byte) (*Response, error) {
	var rr rawResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode response: %w", err)
	}
	resp := &Response{Result: rr.Result, Error: rr.Error}
	if len(rr.ID) > 0 && string(rr.ID) != "null" {
		var id string
		if err := json.Unmarshal(rr.ID, &id); err != nil {
			// Some peers send numeric ids; normalize to string form.
			id = string(rr.ID)
		}
		resp.ID = &id
	}
	return resp, nil
}

// DecodeBatch parses either a single response object or a JSON array of
// them, matching spec.md §6's "batched requests/responses are JSON
// arrays".
func DecodeBatch(raw []byte) ([]*Response, error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("jsonrpc: empty message")
	}
	if trimmed[0] != '[' {
		resp, err := DecodeResponse(raw)
		if err != nil {
			return nil, err
		}
		return []*Response{resp}, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode batch: %w", err)
	}
	out := make([]*Response, 0, len(elems))
	for _, e := range elems {
		resp, err := DecodeResponse(e)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
