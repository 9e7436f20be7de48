// Package webrtc wraps pion peer connections for the gateway's answerer
// role: a browser posts an SDP offer over the signaling endpoint, the
// gateway answers with a fully gathered SDP, and the browser-created data
// channel carries all subsequent frames.
package webrtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerConfig holds configuration for creating a Peer.
type PeerConfig struct {
	// ICE contains the STUN/TURN server configuration.
	ICE ICEConfig

	// RemoteID is the admitted peer's identifier (used for logging).
	RemoteID string

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// OnDataChannel is called when the browser-created data channel opens.
	OnDataChannel func(dc *webrtc.DataChannel)

	// OnConnectionStateChange is called when the ICE connection state
	// changes. Failed and closed states also close the Done channel.
	OnConnectionStateChange func(state webrtc.ICEConnectionState)
}

// Peer wraps a pion RTCPeerConnection on the gateway (answerer) side and
// manages the SDP answer and data channel lifecycle.
type Peer struct {
	cfg  PeerConfig
	log  *slog.Logger
	pc   *webrtc.PeerConnection
	done chan struct{}

	mu sync.Mutex
	dc *webrtc.DataChannel
}

// NewPeer creates a new RTCPeerConnection with the given ICE configuration.
// Call HandleOffer to run the signaling exchange.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("remote_id", cfg.RemoteID)

	rtcConfig := webrtc.Configuration{
		ICEServers: cfg.ICE.pionICEServers(),
	}
	if cfg.ICE.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
		log.Info("ICE transport policy set to relay-only (force_relay enabled)")
	}

	pc, err := webrtc.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		cfg:  cfg,
		log:  log,
		pc:   pc,
		done: make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ICE connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
		if state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			p.mu.Lock()
			select {
			case <-p.done:
			default:
				close(p.done)
			}
			p.mu.Unlock()
		}
	})

	// The browser is the offerer and creates the data channel.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Info("remote data channel received", "label", dc.Label())
		p.setupDataChannel(dc)
	})

	return p, nil
}

// HandleOffer sets the remote SDP offer, creates an SDP answer, waits for
// ICE gathering to complete, and returns the final answer SDP with all
// candidates embedded as a= lines. The signaling endpoint is a single HTTP
// round-trip, so trickle candidates would have nowhere to go.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}

	// Must be created before SetLocalDescription to avoid a race where
	// gathering completes between SLD and this call.
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	<-gatherComplete

	finalSDP := p.pc.LocalDescription().SDP

	p.log.Debug("SDP answer created (full ICE gathering complete)")
	return finalSDP, nil
}

// DataChannel returns the current data channel, or nil if not yet established.
func (p *Peer) DataChannel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

// ICECandidateType returns the type of the selected local ICE candidate
// (e.g. "host", "srflx", "relay") or "unknown" if no pair is selected.
// This indicates whether the connection is direct or relayed.
func (p *Peer) ICECandidateType() string {
	pair, err := p.pc.SCTP().Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return "unknown"
	}
	return pair.Local.Typ.String()
}

// ConnectionState returns the current ICE connection state.
func (p *Peer) ConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

// Done returns a channel that is closed when the peer connection has
// failed or closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close gracefully closes the peer connection and data channel.
func (p *Peer) Close() error {
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	dc := p.dc
	p.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			p.log.Warn("closing data channel", "error", err)
		}
	}

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}

	p.log.Info("peer connection closed")
	return nil
}

// setupDataChannel registers callbacks on the data channel and stores it.
func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("data channel open", "label", dc.Label())
		if p.cfg.OnDataChannel != nil {
			p.cfg.OnDataChannel(dc)
		}
	})

	dc.OnClose(func() {
		p.log.Info("data channel closed", "label", dc.Label())
	})

	dc.OnError(func(err error) {
		p.log.Error("data channel error", "label", dc.Label(), "error", err)
	})
}
