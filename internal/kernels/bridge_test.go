package kernels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lakeview-labs/notebridge/pkg/protocol"
)

// fakeSocket is an in-memory kernel channels connection. The test feeds
// inbound messages through the inbound channel and observes writes.
type fakeSocket struct {
	inbound chan []byte
	writes  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 64),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	s.writes <- data
	return nil
}

func (s *fakeSocket) Ping(ctx context.Context) error { return nil }

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeResolver answers EnsureKernel from a rebind map and counts creates.
type fakeResolver struct {
	mu      sync.Mutex
	rebind  map[string]string
	calls   int
	failAll bool
}

func (r *fakeResolver) EnsureKernel(ctx context.Context, kernelID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAll {
		return "", errors.New("kernel create refused")
	}
	if actual, ok := r.rebind[kernelID]; ok {
		return actual, nil
	}
	return kernelID, nil
}

// fakeUnicaster records every frame delivered per peer.
type fakeUnicaster struct {
	mu     sync.Mutex
	frames map[string][]*protocol.Frame
	notify chan struct{}
}

func newFakeUnicaster() *fakeUnicaster {
	return &fakeUnicaster{
		frames: make(map[string][]*protocol.Frame),
		notify: make(chan struct{}, 256),
	}
}

func (u *fakeUnicaster) SendTo(peerID string, frame []byte) bool {
	f, err := protocol.ParseFrame(frame)
	if err != nil {
		panic(fmt.Sprintf("bridge emitted unparseable frame: %v", err))
	}
	u.mu.Lock()
	u.frames[peerID] = append(u.frames[peerID], f)
	u.mu.Unlock()
	select {
	case u.notify <- struct{}{}:
	default:
	}
	return true
}

func (u *fakeUnicaster) framesFor(peerID string) []*protocol.Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*protocol.Frame(nil), u.frames[peerID]...)
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testBridge builds a bridge with one shared fake socket per kernel id.
type testEnv struct {
	bridge   *Bridge
	uni      *fakeUnicaster
	resolver *fakeResolver

	mu    sync.Mutex
	socks map[string]*fakeSocket
	dials int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		uni:      newFakeUnicaster(),
		resolver: &fakeResolver{rebind: map[string]string{}},
		socks:    make(map[string]*fakeSocket),
	}
	env.bridge = New(Config{
		Resolver: env.resolver,
		Dial: func(ctx context.Context, kernelID string) (Socket, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.dials++
			s := newFakeSocket()
			env.socks[kernelID] = s
			return s, nil
		},
		Unicast:          env.uni,
		DisablePreflight: true,
	})
	t.Cleanup(env.bridge.Close)
	return env
}

func (e *testEnv) sock(kernelID string) *fakeSocket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.socks[kernelID]
}

func (e *testEnv) dialCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dials
}

func connectFrame(instanceID, kernelID string) *protocol.Frame {
	raw := []byte(fmt.Sprintf(`{"action":"websocket_connect","instanceId":"%s","kernelId":"%s"}`, instanceID, kernelID))
	f, _ := protocol.ParseFrame(raw)
	return f
}

func kernelMessageFrame(instanceID, kernelID, msgID, msgType, session string) *protocol.Frame {
	raw := []byte(fmt.Sprintf(`{
		"action": "kernel_message",
		"instanceId": "%s",
		"kernelId": "%s",
		"header": {"msg_id": "%s", "msg_type": "%s", "session": "%s"},
		"content": {"code": "x"}
	}`, instanceID, kernelID, msgID, msgType, session))
	f, _ := protocol.ParseFrame(raw)
	return f
}

func inboundMessage(msgID, msgType, parentMsgID, parentSession, channel string) []byte {
	parent := "{}"
	if parentMsgID != "" || parentSession != "" {
		parent = fmt.Sprintf(`{"msg_id":"%s","session":"%s"}`, parentMsgID, parentSession)
	}
	return []byte(fmt.Sprintf(`{
		"header": {"msg_id": "%s", "msg_type": "%s", "session": "kernel-side"},
		"parent_header": %s,
		"content": {},
		"channel": "%s"
	}`, msgID, msgType, parent, channel))
}

func TestBridge_ConnectOpensLinkAndAcks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))

	if env.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", env.dialCount())
	}

	frames := env.uni.framesFor("peer-a")
	if len(frames) != 1 || frames[0].Action != protocol.ActionConnected {
		t.Fatalf("peer-a frames = %+v, want one websocket_connected", frames)
	}
	if frames[0].KernelID != "k1" || frames[0].InstanceID != "i1" {
		t.Errorf("ack addressing = (%q, %q)", frames[0].InstanceID, frames[0].KernelID)
	}

	s := env.bridge.Stats()
	if s.Links != 1 || s.Instances != 1 {
		t.Errorf("stats = %+v, want 1 link / 1 instance", s)
	}
}

func TestBridge_SharedLinkSingleDial(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))
	env.bridge.HandleConnect("peer-b", connectFrame("i2", "k1"))

	if env.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 shared link", env.dialCount())
	}
	if s := env.bridge.Stats(); s.Links != 1 || s.Instances != 2 {
		t.Errorf("stats = %+v, want 1 link / 2 instances", s)
	}
}

func TestBridge_KernelRebind(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resolver.rebind["stale"] = "fresh"

	env.bridge.HandleConnect("peer-a", connectFrame("i1", "stale"))

	frames := env.uni.framesFor("peer-a")
	if len(frames) != 1 || frames[0].KernelID != "fresh" {
		t.Fatalf("ack = %+v, want rebind to kernel id fresh", frames)
	}
	if env.sock("fresh") == nil {
		t.Error("no socket dialed for the rebound kernel id")
	}
}

func TestBridge_KernelCreateFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resolver.failAll = true

	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))

	frames := env.uni.framesFor("peer-a")
	if len(frames) != 1 || frames[0].Action != protocol.ActionError {
		t.Fatalf("frames = %+v, want one error frame", frames)
	}
}

func TestBridge_OutboundChannelMappingAndForward(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))
	env.bridge.HandleKernelMessage("peer-a", kernelMessageFrame("i1", "k1", "m1", "execute_request", "sess-a"))

	var wire []byte
	select {
	case wire = <-env.sock("k1").writes:
	case <-time.After(5 * time.Second):
		t.Fatal("nothing written to the kernel socket")
	}

	msg, err := protocol.ParseKernelMessage(wire)
	if err != nil {
		t.Fatalf("wire message does not parse: %v", err)
	}
	if msg.Channel != protocol.ChannelShell {
		t.Errorf("channel = %q, want shell", msg.Channel)
	}
	if msg.Header.MsgID != "m1" || msg.Header.Session != "sess-a" {
		t.Errorf("header not preserved: %+v", msg.Header)
	}

	if s := env.bridge.Stats(); s.Pending != 1 {
		t.Errorf("pending = %d, want 1", s.Pending)
	}
}

func TestBridge_ImplicitConnect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	// kernel_message without a preceding websocket_connect auto-opens
	// the link.
	env.bridge.HandleKernelMessage("peer-a", kernelMessageFrame("i1", "k1", "m1", "execute_request", "sess-a"))

	if env.dialCount() != 1 {
		t.Fatalf("dials = %d, want implicit connect to dial once", env.dialCount())
	}
	select {
	case <-env.sock("k1").writes:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not forwarded after implicit connect")
	}
}

func TestBridge_MissingKernelIDIsError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleKernelMessage("peer-a", kernelMessageFrame("i1", "", "m1", "execute_request", "s"))

	frames := env.uni.framesFor("peer-a")
	if len(frames) != 1 || frames[0].Action != protocol.ActionError {
		t.Fatalf("frames = %+v, want error frame for missing kernelId", frames)
	}
	if env.dialCount() != 0 {
		t.Error("dialed a kernel despite missing kernelId")
	}
}

func TestBridge_MissingInstanceIDIsError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleKernelMessage("peer-a", kernelMessageFrame("", "k1", "m1", "execute_request", "s"))

	frames := env.uni.framesFor("peer-a")
	if len(frames) != 1 || frames[0].Action != protocol.ActionError {
		t.Fatalf("frames = %+v, want error frame for missing instanceId", frames)
	}
	if env.dialCount() != 0 {
		t.Error("dialed a kernel despite missing instanceId")
	}

	// No link may exist that an instance close or peer disconnect could
	// not reclaim.
	env.bridge.PeerClosed("peer-a")
	stats := env.bridge.Stats()
	if stats.Links != 0 || stats.Instances != 0 {
		t.Errorf("links = %d, instances = %d after disconnect, want 0/0", stats.Links, stats.Instances)
	}
}

func TestBridge_InstanceBindingWinsOverFrameKernelID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))

	// The frame lies about its kernel; the instance binding decides.
	env.bridge.HandleKernelMessage("peer-a", kernelMessageFrame("i1", "k2", "m1", "execute_request", "s"))

	select {
	case <-env.sock("k1").writes:
	case <-time.After(5 * time.Second):
		t.Fatal("message did not go to the instance's bound kernel")
	}
	if env.sock("k2") != nil {
		t.Error("a link was opened for the frame's conflicting kernelId")
	}
}

func TestBridge_ReplyCorrelation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))
	env.bridge.HandleConnect("peer-b", connectFrame("i2", "k1"))

	env.bridge.HandleKernelMessage("peer-a", kernelMessageFrame("i1", "k1", "m1", "execute_request", "sess-a"))
	<-env.sock("k1").writes

	// Kernel lifecycle for m1: status busy, execute_input, stream,
	// execute_reply, status idle. All must reach peer-a and only peer-a.
	sock := env.sock("k1")
	sock.inbound <- inboundMessage("r1", "status", "m1", "sess-a", "iopub")
	sock.inbound <- inboundMessage("r2", "execute_input", "m1", "sess-a", "iopub")
	sock.inbound <- inboundMessage("r3", "stream", "m1", "sess-a", "iopub")
	sock.inbound <- inboundMessage("r4", "execute_reply", "m1", "sess-a", "shell")
	sock.inbound <- inboundMessage("r5", "status", "m1", "sess-a", "iopub")

	waitFor(t, "5 messages at peer-a", func() bool {
		n := 0
		for _, f := range env.uni.framesFor("peer-a") {
			if f.Action == protocol.ActionKernelReply {
				n++
			}
		}
		return n == 5
	})

	var types []string
	for _, f := range env.uni.framesFor("peer-a") {
		if f.Action == protocol.ActionKernelReply {
			types = append(types, f.MsgType())
			if f.InstanceID != "i1" {
				t.Errorf("reply instanceId = %q, want i1", f.InstanceID)
			}
		}
	}
	want := []string{"status", "execute_input", "stream", "execute_reply", "status"}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("message %d = %q, want %q (arrival order must hold)", i, types[i], want[i])
		}
	}

	for _, f := range env.uni.framesFor("peer-b") {
		if f.Action == protocol.ActionKernelReply {
			t.Errorf("peer-b received %s, correlation leaked across peers", f.MsgType())
		}
	}

	waitFor(t, "pending resolution", func() bool {
		return env.bridge.Stats().Pending == 0
	})
}

func TestBridge_SessionRoutingAfterPendingResolved(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))
	env.bridge.HandleConnect("peer-b", connectFrame("i2", "k1"))

	env.bridge.HandleKernelMessage("peer-b", kernelMessageFrame("i2", "k1", "m9", "execute_request", "sess-b"))
	<-env.sock("k1").writes

	sock := env.sock("k1")
	sock.inbound <- inboundMessage("r1", "execute_reply", "m9", "sess-b", "shell")
	waitFor(t, "reply at peer-b", func() bool {
		return len(env.uni.framesFor("peer-b")) >= 2 // connected + reply
	})

	// Late output with an unknown msg_id and a resolved parent: only the
	// learned session can route it.
	sock.inbound <- inboundMessage("r2", "stream", "unknown", "sess-b", "iopub")
	waitFor(t, "late stream at peer-b", func() bool {
		for _, f := range env.uni.framesFor("peer-b") {
			if f.MsgType() == "stream" {
				return true
			}
		}
		return false
	})

	for _, f := range env.uni.framesFor("peer-a") {
		if f.Action == protocol.ActionKernelReply {
			t.Error("peer-a received peer-b's session traffic")
		}
	}
}

func TestBridge_UnknownMessageBroadcastsWithinKernel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))
	env.bridge.HandleConnect("peer-b", connectFrame("i2", "k1"))
	env.bridge.HandleConnect("peer-c", connectFrame("i3", "k2"))

	// No pending entry, no session binding: fan out to k1 holders only.
	env.sock("k1").inbound <- inboundMessage("r1", "status", "", "", "iopub")

	waitFor(t, "fallback broadcast", func() bool {
		gotA, gotB := false, false
		for _, f := range env.uni.framesFor("peer-a") {
			if f.Action == protocol.ActionKernelReply {
				gotA = true
			}
		}
		for _, f := range env.uni.framesFor("peer-b") {
			if f.Action == protocol.ActionKernelReply {
				gotB = true
			}
		}
		return gotA && gotB
	})

	for _, f := range env.uni.framesFor("peer-c") {
		if f.Action == protocol.ActionKernelReply {
			t.Error("unknown-session fallback leaked to a different kernel's peer")
		}
	}
}

func TestBridge_CloseLastInstanceTearsDownLink(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))
	env.bridge.HandleKernelMessage("peer-a", kernelMessageFrame("i1", "k1", "m1", "execute_request", "s1"))
	<-env.sock("k1").writes

	f, _ := protocol.ParseFrame([]byte(`{"action":"websocket_close","instanceId":"i1","kernelId":"k1"}`))
	env.bridge.HandleClose("peer-a", f)

	waitFor(t, "socket close", func() bool { return env.sock("k1").isClosed() })

	s := env.bridge.Stats()
	if s.Links != 0 || s.Instances != 0 || s.Pending != 0 {
		t.Errorf("stats after close = %+v, want all zero", s)
	}

	var sawClosed bool
	for _, fr := range env.uni.framesFor("peer-a") {
		if fr.Action == protocol.ActionClosed {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Error("peer-a never received websocket_closed")
	}
}

func TestBridge_PeerDisconnectCleanup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))
	env.bridge.HandleConnect("peer-a", connectFrame("i2", "k2"))
	env.bridge.HandleConnect("peer-b", connectFrame("i3", "k1"))

	env.bridge.PeerClosed("peer-a")

	waitFor(t, "k2 teardown", func() bool { return env.sock("k2").isClosed() })
	if env.sock("k1").isClosed() {
		t.Error("k1 was closed although peer-b still holds i3")
	}

	s := env.bridge.Stats()
	if s.Links != 1 || s.Instances != 1 {
		t.Errorf("stats = %+v, want the shared link and i3 to survive", s)
	}
}

func TestBridge_LinkLostSynthesizesClosed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))
	env.bridge.HandleKernelMessage("peer-a", kernelMessageFrame("i1", "k1", "m1", "execute_request", "s1"))
	<-env.sock("k1").writes

	// Simulate the kernel dying under the reader.
	env.sock("k1").Close()

	waitFor(t, "synthetic websocket_closed", func() bool {
		var closed, errFrame bool
		for _, f := range env.uni.framesFor("peer-a") {
			if f.Action == protocol.ActionClosed {
				closed = true
			}
			if f.Action == protocol.ActionError {
				errFrame = true
			}
		}
		return closed && errFrame
	})

	s := env.bridge.Stats()
	if s.Links != 0 || s.Instances != 0 || s.Pending != 0 {
		t.Errorf("stats after link loss = %+v, want all zero", s)
	}
}

func TestBridge_PreflightConsumedAndDiscarded(t *testing.T) {
	t.Parallel()

	uni := newFakeUnicaster()
	var sock *fakeSocket
	var mu sync.Mutex
	b := New(Config{
		Resolver: &fakeResolver{},
		Dial: func(ctx context.Context, kernelID string) (Socket, error) {
			mu.Lock()
			defer mu.Unlock()
			sock = newFakeSocket()
			return sock, nil
		},
		Unicast: uni,
	})
	defer b.Close()

	b.HandleConnect("peer-a", connectFrame("i1", "k1"))

	// HandleConnect dialed synchronously; the preflight itself arrives
	// from its own goroutine.
	mu.Lock()
	s := sock
	mu.Unlock()

	var wire []byte
	select {
	case wire = <-s.writes:
	case <-time.After(5 * time.Second):
		t.Fatal("preflight was never sent")
	}
	msg, err := protocol.ParseKernelMessage(wire)
	if err != nil {
		t.Fatalf("preflight does not parse: %v", err)
	}
	if msg.Header.MsgType != "execute_request" {
		t.Fatalf("preflight msg_type = %q", msg.Header.MsgType)
	}
	var content map[string]any
	if err := json.Unmarshal(msg.Content, &content); err != nil || content["silent"] != true {
		t.Errorf("preflight content = %s", msg.Content)
	}

	// Its reply must be swallowed, not forwarded to any peer. So must
	// the iopub side effects that trail in after the reply resolved the
	// correlation entry.
	s.inbound <- inboundMessage("pr", "execute_reply", msg.Header.MsgID, msg.Header.Session, "shell")
	s.inbound <- inboundMessage("pi", "status", "", msg.Header.Session, "iopub")

	time.Sleep(200 * time.Millisecond)
	for _, f := range uni.framesFor("peer-a") {
		if f.Action == protocol.ActionKernelReply {
			t.Error("preflight traffic leaked to a peer")
		}
	}
}

func TestBridge_CommFramesTrackWidgets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.bridge.HandleConnect("peer-a", connectFrame("i1", "k1"))

	open := []byte(`{
		"action": "comm_open",
		"instanceId": "i1",
		"kernelId": "k1",
		"header": {"msg_id": "c1", "msg_type": "comm_open", "session": "s1"},
		"content": {"comm_id": "w1", "target_name": "jupyter.widget"}
	}`)
	f, _ := protocol.ParseFrame(open)
	env.bridge.HandleComm("peer-a", f)
	<-env.sock("k1").writes

	widgets := env.bridge.Widgets().ByInstance("i1")
	if len(widgets) != 1 || widgets[0].TargetName != "jupyter.widget" {
		t.Fatalf("widgets = %+v, want one open jupyter.widget", widgets)
	}

	closeF, _ := protocol.ParseFrame([]byte(`{
		"action": "comm_close",
		"instanceId": "i1",
		"kernelId": "k1",
		"header": {"msg_id": "c2", "msg_type": "comm_close", "session": "s1"},
		"content": {"comm_id": "w1"}
	}`))
	env.bridge.HandleComm("peer-a", closeF)

	if got := env.bridge.Widgets().ByInstance("i1"); len(got) != 0 {
		t.Errorf("widgets after close = %+v, want none open", got)
	}
}
