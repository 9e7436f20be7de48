// Package router classifies inbound peer frames by their action tag,
// deduplicates kernel-protocol frames, and dispatches them to the
// registered handlers.
package router

import (
	"log/slog"
	"sync/atomic"

	"github.com/lakeview-labs/notebridge/pkg/protocol"
)

// Handler processes one routed frame. The frame's ClientID is set to the
// originating peer id before dispatch (never trusted from the wire).
type Handler func(peerID string, f *protocol.Frame)

// Router parses and dispatches inbound frames. Handlers are registered
// during wiring, before the first Route call; Route may then be invoked
// concurrently from per-peer dispatch goroutines.
type Router struct {
	handlers map[string]Handler
	dedup    *Deduplicator
	log      *slog.Logger

	routed      atomic.Uint64
	parseErrors atomic.Uint64
	unknown     atomic.Uint64
}

// New creates a Router using the given Deduplicator.
func New(dedup *Deduplicator, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]Handler),
		dedup:    dedup,
		log:      logger.With("component", "router"),
	}
}

// Handle registers the handler for an action. Not safe to call after
// routing has started.
func (r *Router) Handle(action string, h Handler) {
	r.handlers[action] = h
}

// Route processes one inbound frame from a peer: parse, classify, dedup,
// dispatch. Malformed and unknown frames are counted and dropped; the peer
// stays connected.
func (r *Router) Route(peerID string, data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		r.parseErrors.Add(1)
		r.log.Warn("dropping malformed frame", "peer_id", peerID, "error", err)
		return
	}

	h, ok := r.handlers[f.Action]
	if !ok {
		r.unknown.Add(1)
		r.log.Debug("dropping frame with unknown action", "peer_id", peerID, "action", f.Action)
		return
	}

	// Kernel and comm frames carry a Jupyter-style header; anything the
	// gateway already forwarded once must not be forwarded again.
	if msgID := f.HeaderMsgID(); msgID != "" && isKernelAction(f.Action) {
		if r.dedup.Seen(msgID, f.CommID()) {
			r.log.Debug("dropping duplicate frame", "peer_id", peerID, "msg_id", msgID)
			return
		}
	}

	f.ClientID = peerID
	r.routed.Add(1)
	h(peerID, f)
}

// isKernelAction reports whether the action is subject to msg_id
// deduplication.
func isKernelAction(action string) bool {
	switch action {
	case protocol.ActionKernelMessage,
		protocol.ActionCommOpen,
		protocol.ActionCommMsg,
		protocol.ActionCommClose:
		return true
	}
	return false
}

// Stats is a snapshot of router counters for the status endpoint.
type Stats struct {
	FramesRouted   uint64 `json:"frames_routed"`
	ParseErrors    uint64 `json:"parse_errors"`
	UnknownActions uint64 `json:"unknown_actions"`
	Duplicates     uint64 `json:"duplicates"`
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		FramesRouted:   r.routed.Load(),
		ParseErrors:    r.parseErrors.Load(),
		UnknownActions: r.unknown.Load(),
		Duplicates:     r.dedup.Hits(),
	}
}
