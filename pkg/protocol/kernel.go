package protocol

import (
	"encoding/json"
	"fmt"
)

// Jupyter sub-channels multiplexed on the kernel channels websocket.
const (
	ChannelShell   = "shell"
	ChannelControl = "control"
	ChannelStdin   = "stdin"
	ChannelIOPub   = "iopub"
)

// KernelMessage is a Jupyter messaging (v5) message as framed on the
// /api/kernels/{id}/channels websocket. Body fields are raw JSON so the
// gateway never re-interprets kernel payloads.
type KernelMessage struct {
	Header       MessageHeader   `json:"header"`
	ParentHeader json.RawMessage `json:"parent_header,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Buffers      json.RawMessage `json:"buffers,omitempty"`
	Channel      string          `json:"channel,omitempty"`
}

// ParseKernelMessage decodes a message read from the kernel channels
// websocket.
func ParseKernelMessage(data []byte) (*KernelMessage, error) {
	var m KernelMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding kernel message: %w", err)
	}
	return &m, nil
}

// Parent decodes the parent header. A zero header is returned when the
// message has no parent or the parent does not parse.
func (m *KernelMessage) Parent() MessageHeader {
	if len(m.ParentHeader) == 0 {
		return MessageHeader{}
	}
	var h MessageHeader
	if err := json.Unmarshal(m.ParentHeader, &h); err != nil {
		return MessageHeader{}
	}
	return h
}

// ParentMsgID returns the msg_id of the parent header, or "" when the
// message has no parent.
func (m *KernelMessage) ParentMsgID() string {
	return m.Parent().MsgID
}

// PeerFrame wraps a kernel message into a peer-bound frame: the message
// fields stay at the top level with the action and instance/kernel
// addressing spliced in, matching what browser clients expect.
func (m *KernelMessage) PeerFrame(action, instanceID, kernelID string) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding kernel message: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding kernel message: %w", err)
	}
	obj["action"], _ = json.Marshal(action)
	if instanceID != "" {
		obj["instanceId"], _ = json.Marshal(instanceID)
	}
	if kernelID != "" {
		obj["kernelId"], _ = json.Marshal(kernelID)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding peer frame: %w", err)
	}
	return out, nil
}
