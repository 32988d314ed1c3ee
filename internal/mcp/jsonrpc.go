package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an outbound JSON-RPC 2.0 request. IDs are allocated by
// the [RPCClient] and increase monotonically per session.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response to one of our requests. Exactly
// one of Result or Error is set in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// message is the union of everything a server may write to us: a
// response to one of our requests, a request of its own, or a
// notification. The ID stays raw because servers are free to use
// string IDs for their own requests.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

func (m *message) isResponse() bool {
	return m.Method == "" && m.hasID()
}

func (m *message) isRequest() bool {
	return m.Method != "" && m.hasID()
}

func (m *message) isNotification() bool {
	return m.Method != "" && !m.hasID()
}

// replyMessage answers a server-initiated request, echoing its raw ID.
type replyMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func newReply(id json.RawMessage, result any) *replyMessage {
	if result == nil {
		result = struct{}{}
	}
	return &replyMessage{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func newErrorReply(id json.RawMessage, code int, msg string) *replyMessage {
	return &replyMessage{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: msg},
	}
}
