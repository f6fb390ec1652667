package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Reserved JSON-RPC 2.0 error codes. Codes outside this range are free for
// application use.
const (
	CodeParseError     = -32700 // malformed frame, not valid JSON
	CodeInvalidRequest = -32600 // envelope is not a valid request object
	CodeMethodNotFound = -32601 // no handler registered for the method
	CodeInvalidParams  = -32602 // params do not match the method signature
	CodeInternalError  = -32603 // handler failed while producing a result
)

// Implementation-defined codes in the -32000..-32099 server-error range.
const (
	// CodeConnectionClosed rejects pending calls when their connection
	// goes away. Generated locally, never sent over the wire.
	CodeConnectionClosed = -32000
	// CodeRateLimited reports that the server shed the request.
	CodeRateLimited = -32001
	// CodeRequestTimeout reports that a server-side deadline elapsed
	// before the handler produced a result.
	CodeRequestTimeout = -32002
)

// Error is the JSON-RPC error object. It implements the Go error interface
// so that peer-reported failures surface to callers unchanged.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %s (code %d)", e.Message, e.Code)
}

// NewError builds an Error with no data attachment.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData builds an Error carrying failure details. The data value
// is marshaled; a marshal failure degrades to an Error without data rather
// than losing the code and message.
func NewErrorWithData(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}
