// Package protocol defines the JSON frame schema exchanged between browser
// peers and the notebridge gateway over the WebRTC data channel, plus the
// Jupyter messaging (v5) types carried on the kernel channels websocket.
//
// Every frame is a JSON object with a mandatory "action" discriminator
// field. Payloads are action-specific; Jupyter message bodies (header,
// content, metadata, buffers) pass through the gateway verbatim as raw JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame actions routed by the gateway. Actions not listed here are counted
// and dropped by the router.
const (
	// Peer → gateway.
	ActionKernelMessage   = "kernel_message"
	ActionCommOpen        = "comm_open"
	ActionCommMsg         = "comm_msg"
	ActionCommClose       = "comm_close"
	ActionConnect         = "websocket_connect"
	ActionClose           = "websocket_close"
	ActionSudoHTTPRequest = "sudo_http_request"

	// Broadcast classes (relayed to every other peer).
	ActionCanvasData      = "canvas_data"
	ActionDocumentUpdate  = "yjs_document_update"
	ActionAwarenessUpdate = "yjs_awareness_update"

	// Collaborative document state exchange.
	ActionRequestState  = "yjs_request_state"
	ActionStateResponse = "yjs_state_response"

	// Gateway → peer.
	ActionKernelReply = "websocket_message"
	ActionConnected   = "websocket_connected"
	ActionClosed      = "websocket_closed"
	ActionError       = "error"
)

// Error codes carried in "error" frames.
const (
	ErrCodeKernelLost         = "kernel_lost"
	ErrCodeKernelCreateFailed = "kernel_create_failed"
	ErrCodeProxyError         = "proxy_error"
)

// ErrMissingAction is returned by ParseFrame for frames without an
// "action" field.
var ErrMissingAction = errors.New("frame has no action field")

// MessageHeader is the Jupyter message header carried both in peer frames
// and on the kernel channels websocket.
type MessageHeader struct {
	MsgID    string `json:"msg_id,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	Version  string `json:"version,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Frame is a single message crossing the data channel in either direction.
// Unknown fields survive routing because the router keeps the original
// bytes (Raw) and broadcast classes are forwarded from those.
type Frame struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id,omitempty"`

	// Kernel session addressing.
	InstanceID string `json:"instanceId,omitempty"`
	KernelID   string `json:"kernelId,omitempty"`
	Channel    string `json:"channel,omitempty"`

	// Jupyter message body, passed through verbatim.
	Header       *MessageHeader  `json:"header,omitempty"`
	ParentHeader json.RawMessage `json:"parent_header,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Buffers      json.RawMessage `json:"buffers,omitempty"`

	// HTTP proxy request fields (sudo_http_request).
	URL        string            `json:"url,omitempty"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	RequestTag string            `json:"requestTag,omitempty"`
	MsgID      string            `json:"msgId,omitempty"`

	// Collaborative document fields.
	DocID  string          `json:"docId,omitempty"`
	Update json.RawMessage `json:"update,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`

	// Raw holds the original wire bytes as received. It is set by
	// ParseFrame and never serialized.
	Raw []byte `json:"-"`
}

// ParseFrame decodes a wire frame and validates the action discriminator.
// The original bytes are retained in Raw for verbatim forwarding.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Action == "" {
		return nil, ErrMissingAction
	}
	f.Raw = data
	return &f, nil
}

// HeaderMsgID returns the Jupyter header msg_id, or "" when the frame
// carries no header.
func (f *Frame) HeaderMsgID() string {
	if f.Header == nil {
		return ""
	}
	return f.Header.MsgID
}

// MsgType returns the Jupyter header msg_type, or "".
func (f *Frame) MsgType() string {
	if f.Header == nil {
		return ""
	}
	return f.Header.MsgType
}

// CommID extracts content.comm_id from a comm frame, or "" when absent.
func (f *Frame) CommID() string {
	if len(f.Content) == 0 {
		return ""
	}
	var c struct {
		CommID string `json:"comm_id"`
	}
	if err := json.Unmarshal(f.Content, &c); err != nil {
		return ""
	}
	return c.CommID
}

// WithClientID returns a copy of the raw frame bytes with the client_id
// field set to the given peer id. The gateway injects this server-side
// before fan-out; a client_id arriving on the wire is never trusted.
func WithClientID(raw []byte, peerID string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding frame for client_id injection: %w", err)
	}
	id, err := json.Marshal(peerID)
	if err != nil {
		return nil, fmt.Errorf("encoding client_id: %w", err)
	}
	obj["client_id"] = id
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encoding frame: %w", err)
	}
	return out, nil
}

// Marshal serializes a frame-shaped value to wire bytes.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}
