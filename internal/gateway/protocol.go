package gateway

import (
	"encoding/json"
	"time"
)

// Frame types spoken over the WebSocket, one JSON object per frame.
const (
	frameHello         = "hello"
	frameAuthenticate  = "authenticate"
	frameAuthOK        = "auth_ok"
	frameAuthError     = "auth_error"
	frameSubscribe     = "subscribe"
	frameSubscribed    = "subscribed"
	frameCommand       = "command"
	frameCommandEvent  = "command_event"
	frameCommandResult = "command_result"
	frameEvent         = "event"
	frameRPCError      = "rpc_error"
)

// Command names resolvable to injected handlers. Anything else is rejected
// as unknown.
const (
	cmdMessageSend  = "message.send"
	cmdSessionsList = "sessions.list"
	cmdStatusGet    = "status.get"
)

// inboundFrame is the superset of fields a client may send; Type selects
// which ones are meaningful.
type inboundFrame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type helloFrame struct {
	Type string `json:"type"`
}

type authOKFrame struct {
	Type string `json:"type"`
}

type authErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type subscribedFrame struct {
	Type string    `json:"type"`
	OK   bool      `json:"ok"`
	At   time.Time `json:"at"`
}

type commandEventFrame struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// commandResultFrame is the single terminal reply for a command id.
type commandResultFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type eventFrame struct {
	Type  string    `json:"type"`
	Event eventBody `json:"event"`
}

type eventBody struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// rpcErrorFrame reports a malformed frame without closing the socket.
type rpcErrorFrame struct {
	Type  string    `json:"type"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}
