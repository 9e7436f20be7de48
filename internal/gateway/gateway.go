// Package gateway is the supervisor: it constructs every component, wires
// the callbacks between them, and runs the signaling server until the
// process is told to stop.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/lakeview-labs/notebridge/internal/config"
	"github.com/lakeview-labs/notebridge/internal/documents"
	"github.com/lakeview-labs/notebridge/internal/hub"
	"github.com/lakeview-labs/notebridge/internal/jupyter"
	"github.com/lakeview-labs/notebridge/internal/kernels"
	"github.com/lakeview-labs/notebridge/internal/proxy"
	"github.com/lakeview-labs/notebridge/internal/router"
	"github.com/lakeview-labs/notebridge/internal/signaling"
	"github.com/lakeview-labs/notebridge/internal/turn"
	"github.com/lakeview-labs/notebridge/internal/webrtc"
	"github.com/lakeview-labs/notebridge/pkg/protocol"
)

// Gateway owns every component of one workspace gateway process.
type Gateway struct {
	cfg *config.Config
	log *slog.Logger

	jupyter *jupyter.Client
	peers   *hub.Hub
	router  *router.Router
	bridge  *kernels.Bridge
	proxy   *proxy.Proxy
	docs    *documents.Hub
	server  *signaling.Server

	mu    sync.Mutex
	conns map[string]*webrtc.Peer

	started time.Time
}

// New builds a Gateway from configuration: leaves first, then wiring.
func New(cfg *config.Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	jc := jupyter.NewClient(cfg.Jupyter.URL, cfg.Jupyter.Token, logger)
	peers := hub.New(cfg.Limits.PeerQueue, logger)

	dedup := router.NewDeduplicator(cfg.Limits.DedupCap,
		time.Duration(cfg.Limits.DedupTTLMinutes)*time.Minute)
	rt := router.New(dedup, logger)

	bridge := kernels.New(kernels.Config{
		Resolver: jc,
		Dial: func(ctx context.Context, kernelID string) (kernels.Socket, error) {
			return jc.DialChannels(ctx, kernelID)
		},
		Unicast:   peers,
		SendQueue: cfg.Limits.KernelQueue,
		Logger:    logger,
	})

	px := proxy.New(proxy.Config{
		BaseURL: cfg.Jupyter.URL,
		Auth:    jc,
		Unicast: peers,
		Logger:  logger,
	})

	docs := documents.New(documents.Config{
		Peers:    peers,
		Saver:    jc,
		Debounce: time.Duration(cfg.Limits.SaveDebounceMS) * time.Millisecond,
		Logger:   logger,
	})

	g := &Gateway{
		cfg:     cfg,
		log:     logger.With("component", "gateway"),
		jupyter: jc,
		peers:   peers,
		router:  rt,
		bridge:  bridge,
		proxy:   px,
		docs:    docs,
		conns:   make(map[string]*webrtc.Peer),
		started: time.Now(),
	}

	g.server = signaling.NewServer(signaling.Config{
		ListenAddr: cfg.Signaling.ListenAddr,
		Admit:      g,
		Status:     g,
		Logger:     logger,
	})

	g.wire()
	return g
}

// wire connects the router's action table and the hub's lifecycle
// callbacks to the components behind them.
func (g *Gateway) wire() {
	g.router.Handle(protocol.ActionConnect, g.bridge.HandleConnect)
	g.router.Handle(protocol.ActionKernelMessage, g.bridge.HandleKernelMessage)
	g.router.Handle(protocol.ActionCommOpen, g.bridge.HandleComm)
	g.router.Handle(protocol.ActionCommMsg, g.bridge.HandleComm)
	g.router.Handle(protocol.ActionCommClose, g.bridge.HandleComm)
	g.router.Handle(protocol.ActionClose, g.bridge.HandleClose)

	g.router.Handle(protocol.ActionSudoHTTPRequest, g.proxy.HandleRequest)

	// Broadcast classes are forwarded from the original wire bytes with
	// the sender's id stamped in, so unknown fields survive the relay.
	g.router.Handle(protocol.ActionCanvasData, func(peerID string, f *protocol.Frame) {
		g.peers.Broadcast(stamped(f, peerID), peerID)
	})
	g.router.Handle(protocol.ActionDocumentUpdate, func(peerID string, f *protocol.Frame) {
		f.Raw = stamped(f, peerID)
		g.docs.ApplyUpdate(peerID, f)
	})
	g.router.Handle(protocol.ActionAwarenessUpdate, func(peerID string, f *protocol.Frame) {
		f.Raw = stamped(f, peerID)
		g.docs.ApplyAwareness(peerID, f)
	})
	g.router.Handle(protocol.ActionRequestState, func(peerID string, f *protocol.Frame) {
		f.Raw = stamped(f, peerID)
		g.docs.HandleRequestState(peerID, f)
	})
	g.router.Handle(protocol.ActionStateResponse, func(peerID string, f *protocol.Frame) {
		f.Raw = stamped(f, peerID)
		g.docs.HandleStateResponse(peerID, f)
	})

	g.peers.SetCallbacks(hub.Callbacks{
		OnMessage: g.router.Route,
		OnClose: func(peerID string) {
			g.bridge.PeerClosed(peerID)
			g.dropConn(peerID)
		},
	})
}

// stamped returns the frame's original bytes with client_id injected.
// When stamping fails the unstamped bytes are relayed rather than lost.
func stamped(f *protocol.Frame, peerID string) []byte {
	raw, err := protocol.WithClientID(f.Raw, peerID)
	if err != nil {
		return f.Raw
	}
	return raw
}

// Admit drives the offer/answer exchange for one browser: it creates the
// peer connection, returns the fully gathered answer, and registers the
// data channel with the peer hub once the browser opens it.
func (g *Gateway) Admit(ctx context.Context, offerSDP string) (string, error) {
	peerID := uuid.NewString()
	log := g.log.With("peer_id", peerID)

	peer, err := webrtc.NewPeer(webrtc.PeerConfig{
		ICE:      g.iceConfig(peerID),
		RemoteID: peerID,
		Logger:   g.log,
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
				g.peers.Enqueue(peerID, msg.Data)
			})
			if err := g.peers.AddPeer(peerID, dataChannel{dc}); err != nil {
				log.Warn("registering peer", "error", err)
				return
			}
			log.Info("peer admitted", "ice_candidate_type", g.candidateType(peerID))
		},
		OnConnectionStateChange: func(state pionwebrtc.ICEConnectionState) {
			if state == pionwebrtc.ICEConnectionStateFailed ||
				state == pionwebrtc.ICEConnectionStateClosed {
				g.peers.RemovePeer(peerID)
			}
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating peer connection: %w", err)
	}

	// Registered before the handshake so the data channel callback can
	// reach the connection through the map.
	g.mu.Lock()
	g.conns[peerID] = peer
	g.mu.Unlock()

	answer, err := peer.HandleOffer(offerSDP)
	if err != nil {
		g.dropConn(peerID)
		return "", fmt.Errorf("answering offer: %w", err)
	}

	// Reap the connection when ICE gives up, so a browser that never
	// opens its data channel does not leak a peer connection.
	go func() {
		<-peer.Done()
		g.peers.RemovePeer(peerID)
		g.dropConn(peerID)
	}()

	log.Info("offer answered")
	return answer, nil
}

// iceConfig builds the per-peer ICE configuration. With a TURN shared
// secret configured, each peer gets its own time-limited relay
// credentials; otherwise the static ones apply.
func (g *Gateway) iceConfig(peerID string) webrtc.ICEConfig {
	ice := webrtc.ICEConfig{
		STUNServers:  g.cfg.ICE.STUNServers,
		TURNURL:      g.cfg.ICE.TURNURL,
		TURNUsername: g.cfg.ICE.TURNUsername,
		TURNPassword: g.cfg.ICE.TURNPassword,
		ForceRelay:   g.cfg.ICE.ForceRelay,
	}
	if ice.TURNURL != "" && g.cfg.ICE.TURNSecret != "" {
		ice.TURNUsername, ice.TURNPassword = turn.GenerateCredentials(g.cfg.ICE.TURNSecret, peerID, 0)
	}
	return ice
}

// candidateType reports the selected local ICE candidate type for a peer.
func (g *Gateway) candidateType(peerID string) string {
	g.mu.Lock()
	peer := g.conns[peerID]
	g.mu.Unlock()
	if peer == nil {
		return "unknown"
	}
	return peer.ICECandidateType()
}

// dropConn closes and forgets the peer connection for a peer id.
func (g *Gateway) dropConn(peerID string) {
	g.mu.Lock()
	peer := g.conns[peerID]
	delete(g.conns, peerID)
	g.mu.Unlock()
	if peer != nil {
		_ = peer.Close()
	}
}

// Status aggregates every component's counters for GET /status.
func (g *Gateway) Status() any {
	return struct {
		UptimeSeconds int64           `json:"uptime_seconds"`
		Peers         hub.Stats       `json:"peers"`
		Router        router.Stats    `json:"router"`
		Kernels       kernels.Stats   `json:"kernels"`
		Proxy         proxy.Stats     `json:"proxy"`
		Documents     documents.Stats `json:"documents"`
	}{
		UptimeSeconds: int64(time.Since(g.started).Seconds()),
		Peers:         g.peers.Stats(),
		Router:        g.router.Stats(),
		Kernels:       g.bridge.Stats(),
		Proxy:         g.proxy.Stats(),
		Documents:     g.docs.Stats(),
	}
}

// Run serves signaling until ctx is cancelled, then drains: peers first so
// no new frames arrive, then the kernel links, then the document timers.
func (g *Gateway) Run(ctx context.Context) error {
	err := g.server.Run(ctx)

	g.peers.Close()
	g.mu.Lock()
	conns := make([]*webrtc.Peer, 0, len(g.conns))
	for _, p := range g.conns {
		conns = append(conns, p)
	}
	g.conns = make(map[string]*webrtc.Peer)
	g.mu.Unlock()
	for _, p := range conns {
		_ = p.Close()
	}

	g.bridge.Close()
	g.docs.Close()

	g.log.Info("gateway stopped")
	return err
}

// dataChannel adapts a pion data channel to the hub's DataChannel surface.
type dataChannel struct {
	dc *pionwebrtc.DataChannel
}

func (d dataChannel) Send(data []byte) error { return d.dc.Send(data) }
func (d dataChannel) Close() error           { return d.dc.Close() }
