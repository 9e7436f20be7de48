package kernels

import (
	"encoding/json"
	"strings"

	"github.com/lakeview-labs/notebridge/pkg/protocol"
)

// channelForMsgType is the fixed mapping from Jupyter msg_type to the
// sub-channel a peer-originated message must be sent on.
var channelForMsgType = map[string]string{
	"execute_request":     protocol.ChannelShell,
	"kernel_info_request": protocol.ChannelShell,
	"complete_request":    protocol.ChannelShell,
	"inspect_request":     protocol.ChannelShell,
	"history_request":     protocol.ChannelShell,
	"is_complete_request": protocol.ChannelShell,
	"comm_info_request":   protocol.ChannelShell,
	"comm_open":           protocol.ChannelShell,
	"comm_msg":            protocol.ChannelShell,
	"comm_close":          protocol.ChannelShell,

	"interrupt_request": protocol.ChannelControl,
	"restart_request":   protocol.ChannelControl,
	"shutdown_request":  protocol.ChannelControl,

	"input_reply": protocol.ChannelStdin,
}

// channelFor returns the sub-channel for a msg_type, defaulting to shell.
func channelFor(msgType string) string {
	if ch, ok := channelForMsgType[msgType]; ok {
		return ch
	}
	return protocol.ChannelShell
}

// isRequest reports whether a msg_type is request-class: a message the
// kernel is waiting on, which must never be silently dropped from the
// outbound queue.
func isRequest(msgType string) bool {
	return strings.HasSuffix(msgType, "_request") || msgType == "input_reply"
}

// isReply reports whether a msg_type is the direct reply to a request,
// which resolves and removes the pending entry.
func isReply(msgType string) bool {
	return strings.HasSuffix(msgType, "_reply")
}

// commTargetName extracts target_name from a comm_open frame's content.
func commTargetName(f *protocol.Frame) string {
	var content struct {
		TargetName string `json:"target_name"`
	}
	if len(f.Content) > 0 {
		_ = json.Unmarshal(f.Content, &content)
	}
	return content.TargetName
}

// isCommMsgType reports whether an inbound msg_type should be reflected
// to the widget tracker.
func isCommMsgType(msgType string) bool {
	switch msgType {
	case "comm_open", "comm_msg", "comm_close",
		"display_data", "update_display_data", "clear_output":
		return true
	}
	return false
}
