// Package protocol defines the JSON-RPC 2.0 envelope spoken on the gateway's
// loopback control plane: one JSON document per frame, requests matched to
// responses by id, notifications carrying no id.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the fixed jsonrpc field value.
const Version = "2.0"

// Request is a JSON-RPC 2.0 request or, when ID is empty, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. Data carries the domain error code
// and details for tool-invocation failures.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway-specific error codes.
const (
	CodeAuthFailed     = -32001
	CodeRateLimited    = -32002
	CodeRequestTimeout = -32003
)

// ErrorData is the error.data payload for domain failures.
type ErrorData struct {
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// NewRequest builds a request frame. id must marshal to a JSON number or
// string per the JSON-RPC 2.0 grammar.
func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if id != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, fmt.Errorf("marshal request id: %w", err)
		}
		req.ID = raw
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal request params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewNotification builds a request frame with no id.
func NewNotification(method string, params any) (*Request, error) {
	return NewRequest(nil, method, params)
}

// NewResult builds a success response for the given request id.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}, nil
}

// NewError builds an error response for the given request id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   &Error{Code: code, Message: message},
	}
}

// NewDomainError builds an error response whose data carries a domain
// failure code from the tool-invocation taxonomy.
func NewDomainError(id json.RawMessage, code int, message, domainCode string, details any) *Response {
	resp := NewError(id, code, message)
	raw, err := json.Marshal(ErrorData{Code: domainCode, Details: details})
	if err == nil {
		resp.Error.Data = raw
	}
	return resp
}

// normalizeID keeps responses grammatical: a response to an unidentifiable
// request carries id null.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ParseRequest decodes one inbound frame. A frame that is not valid JSON
// yields CodeParseError; a frame without a method or with the wrong version
// yields CodeInvalidRequest.
func ParseRequest(frame []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error"}
	}
	if req.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: "unsupported jsonrpc version"}
	}
	if req.Method == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "method is required"}
	}
	return &req, nil
}
