package webrtc

import (
	"github.com/pion/webrtc/v4"
)

const (
	// DataChannelLabel is the label browser clients use for the frame channel.
	DataChannelLabel = "notebridge"
)

// DataChannelConfig returns the DataChannelInit browser clients are
// expected to open the frame channel with: reliable and ordered. Frames
// are self-contained JSON objects and the channel preserves message
// boundaries, so no extra framing is layered on top.
func DataChannelConfig() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered: &ordered,
	}
}
