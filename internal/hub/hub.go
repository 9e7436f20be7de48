// Package hub maintains the set of admitted peers and their data channels.
// It moves opaque JSON frames: unicast, broadcast, and per-peer inbound
// dispatch in arrival order. Frame contents are never inspected here.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DataChannel is the narrow surface the hub needs from a WebRTC data
// channel. Production code passes an adapter around *webrtc.DataChannel;
// tests pass fakes.
type DataChannel interface {
	Send(data []byte) error
	Close() error
}

// Callbacks receive peer lifecycle and message events. OnClose fires
// exactly once per peer; after it returns no frame is ever sent to that
// peer again.
type Callbacks struct {
	OnOpen    func(peerID string)
	OnMessage func(peerID string, data []byte)
	OnClose   func(peerID string)
}

// Hub tracks connected peers. It is safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*peer
	cb    Callbacks

	log       *slog.Logger
	queueSize int

	sent       atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64
}

// peer is one admitted browser connection. Inbound frames are queued and
// dispatched by a dedicated goroutine so per-peer arrival order is
// preserved without blocking the data channel callback.
type peer struct {
	id    string
	dc    DataChannel
	queue chan []byte
	quit  chan struct{}

	closeOnce sync.Once

	// sendMu serializes outbound sends per peer.
	sendMu sync.Mutex
}

// New creates a Hub. queueSize bounds each peer's inbound frame queue;
// overflow drops frames (the peer stays connected).
func New(queueSize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Hub{
		peers:     make(map[string]*peer),
		log:       logger.With("component", "hub"),
		queueSize: queueSize,
	}
}

// SetCallbacks wires the event callbacks. Must be called before the first
// AddPeer.
func (h *Hub) SetCallbacks(cb Callbacks) {
	h.cb = cb
}

// AddPeer registers a peer whose data channel is open and starts its
// inbound dispatch goroutine.
func (h *Hub) AddPeer(peerID string, dc DataChannel) error {
	p := &peer{
		id:    peerID,
		dc:    dc,
		queue: make(chan []byte, h.queueSize),
		quit:  make(chan struct{}),
	}

	h.mu.Lock()
	if _, exists := h.peers[peerID]; exists {
		h.mu.Unlock()
		return errors.New("peer already registered: " + peerID)
	}
	h.peers[peerID] = p
	h.mu.Unlock()

	go h.dispatch(p)

	h.log.Info("peer registered", "peer_id", peerID)
	if h.cb.OnOpen != nil {
		h.cb.OnOpen(peerID)
	}
	return nil
}

// Enqueue queues an inbound frame from a peer for dispatch. When the
// peer's queue is full the frame is dropped with a warning; the peer is
// not disconnected.
func (h *Hub) Enqueue(peerID string, data []byte) {
	h.mu.RLock()
	p, ok := h.peers[peerID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case p.queue <- data:
	default:
		h.dropped.Add(1)
		h.log.Warn("inbound queue full, dropping frame", "peer_id", peerID)
	}
}

// RemovePeer drops a peer. Its OnClose callback fires exactly once, after
// which the hub holds no references to the peer.
func (h *Hub) RemovePeer(peerID string) {
	h.mu.Lock()
	p, ok := h.peers[peerID]
	if ok {
		delete(h.peers, peerID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	p.closeOnce.Do(func() {
		close(p.quit)
		_ = p.dc.Close()
		h.log.Info("peer removed", "peer_id", peerID)
	})
}

// SendTo unicasts a frame to one peer. It returns false if the peer is
// gone or the send failed; failures never propagate to other peers.
func (h *Hub) SendTo(peerID string, frame []byte) bool {
	h.mu.RLock()
	p, ok := h.peers[peerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	p.sendMu.Lock()
	err := p.dc.Send(frame)
	p.sendMu.Unlock()
	if err != nil {
		h.sendErrors.Add(1)
		h.log.Warn("send failed", "peer_id", peerID, "error", err)
		return false
	}
	h.sent.Add(1)
	return true
}

// Broadcast sends a frame to every peer except exceptPeerID, returning the
// number of successful sends. Per-peer errors are isolated.
func (h *Hub) Broadcast(frame []byte, exceptPeerID string) int {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id == exceptPeerID {
			continue
		}
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	count := 0
	for _, p := range targets {
		p.sendMu.Lock()
		err := p.dc.Send(frame)
		p.sendMu.Unlock()
		if err != nil {
			h.sendErrors.Add(1)
			h.log.Warn("broadcast send failed", "peer_id", p.id, "error", err)
			continue
		}
		count++
	}
	h.sent.Add(uint64(count))
	return count
}

// Peers returns the ids of all connected peers.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Stats is a snapshot of hub counters for the status endpoint.
type Stats struct {
	Peers         int    `json:"peers"`
	FramesSent    uint64 `json:"frames_sent"`
	FramesDropped uint64 `json:"frames_dropped"`
	SendErrors    uint64 `json:"send_errors"`
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Peers:         h.Count(),
		FramesSent:    h.sent.Load(),
		FramesDropped: h.dropped.Load(),
		SendErrors:    h.sendErrors.Load(),
	}
}

// Close removes every peer, closing their data channels.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]string, 0, len(h.peers))
	for id := range h.peers {
		peers = append(peers, id)
	}
	h.mu.Unlock()

	for _, id := range peers {
		h.RemovePeer(id)
	}
}

// dispatch delivers a peer's inbound frames in arrival order until the
// peer is removed, then fires OnClose exactly once.
func (h *Hub) dispatch(p *peer) {
	defer func() {
		if h.cb.OnClose != nil {
			h.cb.OnClose(p.id)
		}
	}()

	for {
		select {
		case data := <-p.queue:
			if h.cb.OnMessage != nil {
				h.cb.OnMessage(p.id, data)
			}
		case <-p.quit:
			return
		}
	}
}
