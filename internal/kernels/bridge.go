// Package kernels bridges peer instances to Jupyter kernels. It owns one
// channels websocket per kernel, maps instances and sessions to peers,
// and correlates kernel replies back to the peer that asked.
package kernels

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lakeview-labs/notebridge/pkg/protocol"
)

// Config configures a Bridge.
type Config struct {
	// Resolver ensures kernels exist before dialing.
	Resolver KernelResolver

	// Dial opens the channels websocket for a kernel.
	Dial Dialer

	// Unicast delivers frames to peers.
	Unicast Unicaster

	// SendQueue bounds each link's outbound queue (default 256).
	SendQueue int

	// PendingTTL is how long an unanswered request is tracked before the
	// sweeper evicts it (default 10m).
	PendingTTL time.Duration

	// SweepInterval is how often the pending sweeper runs (default 1m).
	SweepInterval time.Duration

	// DisablePreflight skips the widget bootstrap cell. Used in tests.
	DisablePreflight bool

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// instance is a peer-scoped logical session against one kernel.
// SessionID starts empty and is learned from the first outbound message.
type instance struct {
	id          string
	peerID      string
	kernelID    string
	sessionID   string
	connectedAt time.Time
}

// pendingReply tracks a forwarded request until its reply is routed back.
type pendingReply struct {
	msgID      string
	instanceID string
	kernelID   string
	msgType    string
	sentAt     time.Time

	// discard suppresses peer delivery for gateway-originated requests
	// (widget preflight).
	discard bool
}

// Bridge routes kernel traffic between peers and Jupyter. All maps are
// guarded by mu, held only across short critical sections and never
// across a dial, read, or write.
type Bridge struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	links        map[string]*link
	instances    map[string]*instance
	sessionIndex map[string]string // Jupyter session id → instance id
	pending      map[string]*pendingReply

	widgets       *WidgetTracker
	preflightOnce sync.Once

	sent       atomic.Uint64
	received   atomic.Uint64
	fallbacks  atomic.Uint64 // inbound messages routed by kernel-wide broadcast
	wireErrors atomic.Uint64
}

// New creates a Bridge and starts its pending-reply sweeper.
func New(cfg Config) *Bridge {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:          cfg,
		log:          log.With("component", "kernels"),
		ctx:          ctx,
		cancel:       cancel,
		links:        make(map[string]*link),
		instances:    make(map[string]*instance),
		sessionIndex: make(map[string]string),
		pending:      make(map[string]*pendingReply),
		widgets:      NewWidgetTracker(),
	}
	go b.sweepLoop()
	return b
}

// Widgets exposes the widget tracker.
func (b *Bridge) Widgets() *WidgetTracker {
	return b.widgets
}

// Close tears down every link and stops all background goroutines.
func (b *Bridge) Close() {
	b.cancel()

	b.mu.Lock()
	links := make([]*link, 0, len(b.links))
	for _, l := range b.links {
		links = append(links, l)
	}
	b.links = make(map[string]*link)
	b.instances = make(map[string]*instance)
	b.sessionIndex = make(map[string]string)
	b.pending = make(map[string]*pendingReply)
	b.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}

// HandleConnect processes a websocket_connect frame: it ensures the
// kernel exists (creating one when missing), opens or reuses the link,
// registers the instance, and acks with websocket_connected.
func (b *Bridge) HandleConnect(peerID string, f *protocol.Frame) {
	if f.InstanceID == "" || f.KernelID == "" {
		b.sendError(peerID, protocol.ErrCodeKernelCreateFailed, f.InstanceID, f.KernelID,
			"websocket_connect requires instanceId and kernelId")
		return
	}

	l, err := b.ensureLink(f.KernelID)
	if err != nil {
		b.log.Warn("opening kernel link failed", "peer_id", peerID, "kernel_id", f.KernelID, "error", err)
		b.sendError(peerID, protocol.ErrCodeKernelCreateFailed, f.InstanceID, f.KernelID, err.Error())
		return
	}

	b.bindInstance(f.InstanceID, peerID, l)

	ack, err := protocol.Marshal(&protocol.Frame{
		Action:     protocol.ActionConnected,
		InstanceID: f.InstanceID,
		KernelID:   l.kernelID,
	})
	if err != nil {
		b.log.Error("encoding websocket_connected", "error", err)
		return
	}
	b.cfg.Unicast.SendTo(peerID, ack)
}

// HandleKernelMessage forwards a peer's kernel message to the right
// sub-channel of the right kernel, tracking it for reply correlation.
//
// When the frame names a kernel that differs from the instance's binding,
// the instance binding wins: the frame's kernelId is only consulted when
// the instance is unknown (implicit connect).
func (b *Bridge) HandleKernelMessage(peerID string, f *protocol.Frame) {
	if f.Header == nil || f.Header.MsgID == "" {
		b.log.Warn("dropping kernel message without header", "peer_id", peerID, "instance_id", f.InstanceID)
		return
	}

	b.mu.Lock()
	inst := b.instances[f.InstanceID]
	b.mu.Unlock()

	var l *link
	if inst != nil {
		b.mu.Lock()
		l = b.links[inst.kernelID]
		b.mu.Unlock()
	}
	if l == nil {
		// Implicit connect: the peer sent a kernel message before (or
		// instead of) websocket_connect. An absent kernelId is an error,
		// never a fallback to some default kernel.
		kernelID := f.KernelID
		if inst != nil {
			kernelID = inst.kernelID
		}
		if kernelID == "" {
			b.sendError(peerID, protocol.ErrCodeKernelCreateFailed, f.InstanceID, "",
				"kernel message without a kernelId binding")
			return
		}
		// An empty instanceId would open a link nothing references and no
		// close path could ever reclaim. Rejected before any kernel is
		// created.
		if f.InstanceID == "" {
			b.sendError(peerID, protocol.ErrCodeKernelCreateFailed, "", kernelID,
				"kernel message without an instanceId binding")
			return
		}
		var err error
		l, err = b.ensureLink(kernelID)
		if err != nil {
			b.log.Warn("implicit kernel connect failed", "peer_id", peerID, "kernel_id", kernelID, "error", err)
			b.sendError(peerID, protocol.ErrCodeKernelCreateFailed, f.InstanceID, kernelID, err.Error())
			return
		}
		b.bindInstance(f.InstanceID, peerID, l)
	}

	// Learn the Jupyter session → instance association from the first
	// outbound message carrying it. Inbound iopub traffic identifies
	// itself only by session, so this is the late-bound return path.
	if f.Header.Session != "" && f.InstanceID != "" {
		b.mu.Lock()
		if _, bound := b.sessionIndex[f.Header.Session]; !bound {
			b.sessionIndex[f.Header.Session] = f.InstanceID
			if inst := b.instances[f.InstanceID]; inst != nil {
				inst.sessionID = f.Header.Session
			}
		}
		b.mu.Unlock()
	}

	msg := &protocol.KernelMessage{
		Header:       *f.Header,
		ParentHeader: f.ParentHeader,
		Metadata:     f.Metadata,
		Content:      f.Content,
		Buffers:      f.Buffers,
		Channel:      channelFor(f.Header.MsgType),
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		b.log.Error("encoding kernel message", "error", err)
		return
	}

	b.mu.Lock()
	b.pending[f.Header.MsgID] = &pendingReply{
		msgID:      f.Header.MsgID,
		instanceID: f.InstanceID,
		kernelID:   l.kernelID,
		msgType:    f.Header.MsgType,
		sentAt:     time.Now(),
	}
	b.mu.Unlock()

	if err := l.send(data, isRequest(f.Header.MsgType)); err != nil {
		b.mu.Lock()
		delete(b.pending, f.Header.MsgID)
		b.mu.Unlock()
		b.log.Warn("kernel send queue full, dropping request",
			"peer_id", peerID, "kernel_id", l.kernelID, "msg_type", f.Header.MsgType)
		return
	}
	b.sent.Add(1)
}

// HandleComm processes comm_open/comm_msg/comm_close frames: widget
// bookkeeping, then the normal kernel message path.
func (b *Bridge) HandleComm(peerID string, f *protocol.Frame) {
	commID := f.CommID()
	switch f.Action {
	case protocol.ActionCommOpen:
		b.widgets.Open(commID, f.InstanceID, commTargetName(f))
	case protocol.ActionCommMsg:
		b.widgets.Message(commID)
	case protocol.ActionCommClose:
		b.widgets.Close(commID)
	}
	b.HandleKernelMessage(peerID, f)
}

// HandleClose processes a websocket_close frame for one instance.
func (b *Bridge) HandleClose(peerID string, f *protocol.Frame) {
	b.mu.Lock()
	inst := b.instances[f.InstanceID]
	if inst == nil || inst.peerID != peerID {
		b.mu.Unlock()
		return
	}
	toClose := b.unbindInstanceLocked(inst)
	b.mu.Unlock()

	if toClose != nil {
		toClose.close()
	}

	ack, err := protocol.Marshal(&protocol.Frame{
		Action:     protocol.ActionClosed,
		InstanceID: inst.id,
		KernelID:   inst.kernelID,
	})
	if err != nil {
		return
	}
	b.cfg.Unicast.SendTo(peerID, ack)
}

// PeerClosed removes every instance the peer owned. Links shared with
// other peers survive; links left without instances are torn down.
func (b *Bridge) PeerClosed(peerID string) {
	b.mu.Lock()
	var owned []*instance
	for _, inst := range b.instances {
		if inst.peerID == peerID {
			owned = append(owned, inst)
		}
	}
	var toClose []*link
	for _, inst := range owned {
		if l := b.unbindInstanceLocked(inst); l != nil {
			toClose = append(toClose, l)
		}
	}
	b.mu.Unlock()

	for _, l := range toClose {
		l.close()
	}
}

// Stats is a snapshot of bridge counters for the status endpoint.
type Stats struct {
	Links          int    `json:"links"`
	Instances      int    `json:"instances"`
	Sessions       int    `json:"sessions"`
	Pending        int    `json:"pending_replies"`
	Widgets        int    `json:"widgets"`
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesRecv   uint64 `json:"messages_received"`
	BroadcastFalls uint64 `json:"broadcast_fallbacks"`
	WireErrors     uint64 `json:"wire_errors"`
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	s := Stats{
		Links:     len(b.links),
		Instances: len(b.instances),
		Sessions:  len(b.sessionIndex),
		Pending:   len(b.pending),
	}
	b.mu.Unlock()
	s.Widgets = b.widgets.Len()
	s.MessagesSent = b.sent.Load()
	s.MessagesRecv = b.received.Load()
	s.BroadcastFalls = b.fallbacks.Load()
	s.WireErrors = b.wireErrors.Load()
	return s
}

// ensureLink returns the link for a kernel, opening one if needed. The
// kernel is created on the Jupyter server when missing, so the returned
// link's kernelID may differ from the requested id.
//
// The bridge mutex is released across the REST call and the dial; if a
// concurrent open published a link in the interim, the winner is kept and
// the loser's half-open socket is closed.
func (b *Bridge) ensureLink(kernelID string) (*link, error) {
	b.mu.Lock()
	if l, ok := b.links[kernelID]; ok {
		b.mu.Unlock()
		return l, nil
	}
	b.mu.Unlock()

	actualID, err := b.cfg.Resolver.EnsureKernel(b.ctx, kernelID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if l, ok := b.links[actualID]; ok {
		b.mu.Unlock()
		return l, nil
	}
	b.mu.Unlock()

	sock, err := b.cfg.Dial(b.ctx, actualID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if existing, ok := b.links[actualID]; ok {
		b.mu.Unlock()
		_ = sock.Close()
		return existing, nil
	}
	l := newLink(b.ctx, actualID, sock, b.cfg.SendQueue, b.log)
	b.links[actualID] = l
	b.mu.Unlock()

	go b.readLoop(l)
	go l.writeLoop(b.linkLost)
	go l.pingLoop(b.linkLost)

	b.log.Info("kernel link opened", "kernel_id", actualID, "requested_id", kernelID)

	if !b.cfg.DisablePreflight {
		b.preflightOnce.Do(func() { go b.widgetPreflight(l) })
	}
	return l, nil
}

// bindInstance registers (or rebinds) an instance on a link.
func (b *Bridge) bindInstance(instanceID, peerID string, l *link) {
	b.mu.Lock()
	b.instances[instanceID] = &instance{
		id:          instanceID,
		peerID:      peerID,
		kernelID:    l.kernelID,
		connectedAt: time.Now(),
	}
	l.instances[instanceID] = struct{}{}
	b.mu.Unlock()
}

// unbindInstanceLocked removes an instance from all maps and returns the
// link to close when its instance set drained. Caller holds b.mu.
func (b *Bridge) unbindInstanceLocked(inst *instance) *link {
	delete(b.instances, inst.id)
	if inst.sessionID != "" {
		delete(b.sessionIndex, inst.sessionID)
	}

	l := b.links[inst.kernelID]
	if l == nil {
		return nil
	}
	delete(l.instances, inst.id)
	if len(l.instances) > 0 {
		return nil
	}

	delete(b.links, inst.kernelID)
	for msgID, p := range b.pending {
		if p.kernelID == inst.kernelID {
			delete(b.pending, msgID)
		}
	}
	return l
}

// readLoop is the link's single reader: it routes every inbound kernel
// message until the socket closes, then tears the link down.
func (b *Bridge) readLoop(l *link) {
	for {
		data, err := l.sock.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				b.linkLost(l, err)
			}
			return
		}
		b.routeInbound(l, data)
	}
}

// routeInbound correlates one kernel message back to a peer.
//
// Correlation order: own msg_id in pending, parent msg_id in pending,
// session index, and as a last resort a broadcast to every peer holding
// an instance on this kernel; an unknown session must not lose messages.
func (b *Bridge) routeInbound(l *link, data []byte) {
	msg, err := protocol.ParseKernelMessage(data)
	if err != nil {
		b.wireErrors.Add(1)
		b.log.Warn("dropping unparseable kernel message", "kernel_id", l.kernelID, "error", err)
		return
	}
	b.received.Add(1)

	parent := msg.Parent()

	b.mu.Lock()
	var target *instance
	var discard bool

	p := b.pending[msg.Header.MsgID]
	if p == nil {
		p = b.pending[parent.MsgID]
	}
	if p != nil {
		// A direct reply resolves the pending entry; side-effect
		// messages (status, streams) keep it alive so late output still
		// correlates even when the session is unknown.
		if isReply(msg.Header.MsgType) {
			delete(b.pending, p.msgID)
		}
		target = b.instances[p.instanceID]
		discard = p.discard
	} else {
		session := parent.Session
		if session == "" {
			session = msg.Header.Session
		}
		if session == preflightSession {
			// Trailing iopub side effects of the preflight cell arrive
			// after its reply resolved the pending entry. Never peer
			// traffic.
			discard = true
		} else if instID, ok := b.sessionIndex[session]; ok {
			target = b.instances[instID]
		}
	}

	var fallbackPeers []string
	if target == nil && !discard {
		seen := make(map[string]struct{})
		for instID := range l.instances {
			if inst := b.instances[instID]; inst != nil {
				if _, dup := seen[inst.peerID]; !dup {
					seen[inst.peerID] = struct{}{}
					fallbackPeers = append(fallbackPeers, inst.peerID)
				}
			}
		}
	}
	b.mu.Unlock()

	if isCommMsgType(msg.Header.MsgType) {
		b.reflectComm(msg, target)
	}

	if discard {
		return
	}

	instanceID := ""
	if target != nil {
		instanceID = target.id
	}
	frame, err := msg.PeerFrame(protocol.ActionKernelReply, instanceID, l.kernelID)
	if err != nil {
		b.log.Error("encoding peer frame", "error", err)
		return
	}

	if target != nil {
		b.cfg.Unicast.SendTo(target.peerID, frame)
		return
	}
	b.fallbacks.Add(1)
	for _, peerID := range fallbackPeers {
		b.cfg.Unicast.SendTo(peerID, frame)
	}
}

// reflectComm updates the widget tracker from an inbound comm/display
// message. Purely observational.
func (b *Bridge) reflectComm(msg *protocol.KernelMessage, target *instance) {
	var content struct {
		CommID     string `json:"comm_id"`
		TargetName string `json:"target_name"`
	}
	if len(msg.Content) > 0 {
		_ = json.Unmarshal(msg.Content, &content)
	}
	switch msg.Header.MsgType {
	case "comm_open":
		instanceID := ""
		if target != nil {
			instanceID = target.id
		}
		b.widgets.Open(content.CommID, instanceID, content.TargetName)
	case "comm_msg":
		b.widgets.Message(content.CommID)
	case "comm_close":
		b.widgets.Close(content.CommID)
	}
}

// linkLost handles a dead kernel connection: every instance that
// referenced it is unbound, its pending replies are discarded, and each
// affected peer gets a synthetic websocket_closed plus a kernel_lost
// error frame. Idempotent: only the goroutine that removes the link
// from the map proceeds.
func (b *Bridge) linkLost(l *link, err error) {
	b.mu.Lock()
	if b.links[l.kernelID] != l {
		b.mu.Unlock()
		return
	}
	delete(b.links, l.kernelID)

	var affected []*instance
	for instID := range l.instances {
		if inst := b.instances[instID]; inst != nil {
			affected = append(affected, inst)
			delete(b.instances, instID)
			if inst.sessionID != "" {
				delete(b.sessionIndex, inst.sessionID)
			}
		}
	}
	l.instances = make(map[string]struct{})
	for msgID, p := range b.pending {
		if p.kernelID == l.kernelID {
			delete(b.pending, msgID)
		}
	}
	b.mu.Unlock()

	b.log.Warn("kernel link lost", "kernel_id", l.kernelID, "error", err)
	l.close()

	for _, inst := range affected {
		if closed, mErr := protocol.Marshal(&protocol.Frame{
			Action:     protocol.ActionClosed,
			InstanceID: inst.id,
			KernelID:   inst.kernelID,
		}); mErr == nil {
			b.cfg.Unicast.SendTo(inst.peerID, closed)
		}
		b.sendError(inst.peerID, protocol.ErrCodeKernelLost, inst.id, inst.kernelID, "kernel connection lost")
	}
}

// sweepLoop evicts pending replies that never resolved, on the same
// time-window philosophy as the deduplicator.
func (b *Bridge) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.PendingTTL)
			b.mu.Lock()
			for msgID, p := range b.pending {
				if p.sentAt.Before(cutoff) {
					delete(b.pending, msgID)
				}
			}
			b.mu.Unlock()
		case <-b.ctx.Done():
			return
		}
	}
}

// preflightCode makes sure the widget packages are importable in the
// default kernel, installing them when missing. Best-effort.
const preflightCode = `
import importlib, subprocess, sys
for _pkg in ("ipywidgets", "jupyterlab_widgets", "traitlets"):
    try:
        importlib.import_module(_pkg)
    except ImportError:
        subprocess.run([sys.executable, "-m", "pip", "install", "--quiet", _pkg], check=False)
`

// preflightSession marks gateway-originated kernel traffic so none of
// its output is ever routed to a peer.
const preflightSession = "notebridge-preflight"

// widgetPreflight runs the bootstrap cell once per process on the first
// opened kernel. Its reply is consumed and discarded; failure is
// non-fatal.
func (b *Bridge) widgetPreflight(l *link) {
	msgID := uuid.NewString()
	content, err := json.Marshal(map[string]any{
		"code":             preflightCode,
		"silent":           true,
		"store_history":    false,
		"allow_stdin":      false,
		"stop_on_error":    false,
		"user_expressions": map[string]any{},
	})
	if err != nil {
		return
	}

	msg := &protocol.KernelMessage{
		Header: protocol.MessageHeader{
			MsgID:   msgID,
			MsgType: "execute_request",
			Session: preflightSession,
			Version: "5.3",
		},
		Content: content,
		Channel: protocol.ChannelShell,
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.pending[msgID] = &pendingReply{
		msgID:    msgID,
		kernelID: l.kernelID,
		msgType:  "execute_request",
		sentAt:   time.Now(),
		discard:  true,
	}
	b.mu.Unlock()

	if err := l.send(data, true); err != nil {
		b.log.Debug("widget preflight not sent", "error", err)
		return
	}
	b.log.Info("widget preflight sent", "kernel_id", l.kernelID)
}

// sendError emits an error frame with a short machine-readable code.
func (b *Bridge) sendError(peerID, code, instanceID, kernelID, message string) {
	frame, err := json.Marshal(map[string]any{
		"action":     protocol.ActionError,
		"code":       code,
		"instanceId": instanceID,
		"kernelId":   kernelID,
		"message":    message,
	})
	if err != nil {
		return
	}
	b.cfg.Unicast.SendTo(peerID, frame)
}
