// Package protocol defines the wire messages exchanged between the brain proxy
// and local agents ("brains") over the connect WebSocket, and the JSON shapes
// used by the HTTP dialects.
//
// Requests and replies are plain JSON objects correlated by their "id" field.
// Control frames carry a "type" field and no id.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Control frame types.
const (
	TypeConnected = "bp_connected" // proxy → brain, once after registration
	TypePing      = "ping"
	TypePong      = "pong"
	TypeHeartbeat = "heartbeat"
)

// JSON-RPC 2.0 error codes used by the MCP dialect.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeUnauthorized   = -32000
	CodeForbidden      = -32001
	CodeBrainOffline   = -32002
	CodeTooManyPending = -32003
)

// Request is the envelope forwarded to a brain.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Reply is the envelope a brain sends back.
type Reply struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return strconv.Itoa(e.Code) + ": " + e.Message
}

// Control is a frame without an id.
type Control struct {
	Type      string    `json:"type"`
	Route     string    `json:"route,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Frame is the minimal view of any inbound frame, used to tell replies from
// control frames without decoding the whole payload.
type Frame struct {
	Type string          `json:"type,omitempty"`
	ID   json.RawMessage `json:"id,omitempty"`
}

// TextContent is one MCP-style content block.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the MCP-style result shape used for degraded responses.
type ToolResult struct {
	Content      []TextContent `json:"content"`
	IsError      bool          `json:"isError,omitempty"`
	BrainOffline bool          `json:"brainOffline,omitempty"`
	Route        string        `json:"route,omitempty"`
}

// IDKey normalizes a raw JSON id into the string used for correlation.
// Strings are unquoted; numbers keep their literal text. It returns "" for
// absent or null ids and for ids that are neither strings nor numbers.
func IDKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if _, err := strconv.ParseFloat(string(raw), 64); err != nil {
			return ""
		}
		return string(raw)
	default:
		return ""
	}
}

// IsFalsyID reports whether a raw id is missing, null, false, 0 or "".
func IsFalsyID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return true
	}
	switch string(raw) {
	case "null", "false", `""`:
		return true
	}
	if f, err := strconv.ParseFloat(string(raw), 64); err == nil && f == 0 {
		return true
	}
	return false
}

// StringID encodes s as a raw JSON id.
func StringID(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
