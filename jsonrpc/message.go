// Package jsonrpc defines the JSON-RPC 2.0 wire envelopes exchanged with the
// worker process.
//
// Three shapes travel on the wire, one per line:
//
//   - Request:      {"jsonrpc":"2.0","id":7,"method":"Version.Get","params":{...}}
//   - Notification: {"jsonrpc":"2.0","method":"Log","params":{...}}
//   - Response:     {"jsonrpc":"2.0","id":7,"result":{...}}  XOR  {...,"error":{...}}
//
// The engine treats params and result as opaque payloads; interpretation
// belongs to the schema catalogue of the worker being driven.
package jsonrpc

import "encoding/json"

// Version is the protocol version carried by every envelope.
// Inbound envelopes with any other value are rejected as invalid.
const Version = "2.0"

// Request is an outgoing or inbound call that expects a correlated Response.
// ID is a positive integer, unique for the lifetime of a connection session.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a fire-and-forget message. It carries no id and never
// elicits a Response.
type Notification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result/Error is set.
// ID is a pointer so that protocol errors with no usable id serialize as
// "id":null, as required for parse failures.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Envelope is the inbound probe: a single decode target that captures every
// field any of the three shapes may carry, so the dispatcher can classify
// by presence.
//
// Presence rules:
//   - ID == nil        → no id on the wire (or an explicit null)
//   - Result != nil    → a "result" field was present (even "result":null)
//   - Error != nil     → an "error" field was present
type Envelope struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// IsNotification reports whether the envelope classifies as a notification
// (no id present). Classification is by presence, never by a zero check.
func (e *Envelope) IsNotification() bool {
	return e.ID == nil
}

// IsRequest reports whether the envelope classifies as an inbound request.
func (e *Envelope) IsRequest() bool {
	return e.ID != nil && e.Method != ""
}

// IsResponse reports whether the envelope classifies as a response to one
// of our outstanding requests.
func (e *Envelope) IsResponse() bool {
	return e.ID != nil && e.Method == "" && (e.Result != nil || e.Error != nil)
}

// NewRequest builds a Request for the given id. Params is marshaled here so
// the caller can pass any Go value or a pre-encoded json.RawMessage.
func NewRequest(id int64, method string, params any) (*Request, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}
	return &Request{Jsonrpc: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Jsonrpc: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success Response carrying the handler's return value.
func NewResult(id int64, result any) (*Response, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		// "result" must be present on a success response
		raw = json.RawMessage("null")
	}
	return &Response{Jsonrpc: Version, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error Response. id may be nil, which encodes
// as "id":null (used for parse failures and unidentifiable envelopes).
func NewErrorResponse(id *int64, rpcErr *Error) *Response {
	return &Response{Jsonrpc: Version, ID: id, Error: rpcErr}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(v)
	}
}
