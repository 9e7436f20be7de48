package hub

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeChannel records sent frames and can be made to fail.
type fakeChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	fail   bool
	closed bool
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("channel gone")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestHub_SendTo(t *testing.T) {
	t.Parallel()

	h := New(16, nil)
	dc := &fakeChannel{}
	if err := h.AddPeer("a", dc); err != nil {
		t.Fatalf("AddPeer() error: %v", err)
	}

	if !h.SendTo("a", []byte(`{"action":"x"}`)) {
		t.Error("SendTo(a) = false, want true")
	}
	if h.SendTo("nobody", []byte(`{}`)) {
		t.Error("SendTo(nobody) = true, want false")
	}
	if dc.sentCount() != 1 {
		t.Errorf("sent count = %d, want 1", dc.sentCount())
	}
}

func TestHub_BroadcastExceptsSenderAndIsolatesErrors(t *testing.T) {
	t.Parallel()

	h := New(16, nil)
	a, b, c := &fakeChannel{}, &fakeChannel{fail: true}, &fakeChannel{}
	for id, dc := range map[string]*fakeChannel{"a": a, "b": b, "c": c} {
		if err := h.AddPeer(id, dc); err != nil {
			t.Fatalf("AddPeer(%s) error: %v", id, err)
		}
	}

	n := h.Broadcast([]byte(`{"action":"canvas_data"}`), "a")
	if n != 1 {
		t.Errorf("Broadcast() = %d successful sends, want 1 (b fails, a excluded)", n)
	}
	if a.sentCount() != 0 {
		t.Error("sender received its own broadcast")
	}
	if c.sentCount() != 1 {
		t.Errorf("c received %d frames, want 1", c.sentCount())
	}
}

func TestHub_DispatchOrderAndClose(t *testing.T) {
	t.Parallel()

	h := New(16, nil)

	var mu sync.Mutex
	var got []string
	closed := make(chan string, 1)
	h.SetCallbacks(Callbacks{
		OnMessage: func(peerID string, data []byte) {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
		},
		OnClose: func(peerID string) {
			closed <- peerID
		},
	})

	dc := &fakeChannel{}
	if err := h.AddPeer("a", dc); err != nil {
		t.Fatalf("AddPeer() error: %v", err)
	}

	h.Enqueue("a", []byte("1"))
	h.Enqueue("a", []byte("2"))
	h.Enqueue("a", []byte("3"))

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("dispatched %d frames, want 3", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	order := got[0] + got[1] + got[2]
	mu.Unlock()
	if order != "123" {
		t.Errorf("dispatch order = %q, want 123", order)
	}

	h.RemovePeer("a")
	select {
	case id := <-closed:
		if id != "a" {
			t.Errorf("OnClose peer = %q, want a", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose never fired")
	}

	// A second remove must not fire OnClose again.
	h.RemovePeer("a")
	select {
	case <-closed:
		t.Error("OnClose fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	if h.SendTo("a", []byte("x")) {
		t.Error("SendTo succeeded after RemovePeer")
	}
	if !dc.closed {
		t.Error("data channel was not closed on remove")
	}
}

func TestHub_QueueOverflowDropsFrames(t *testing.T) {
	t.Parallel()

	h := New(2, nil)
	// No OnMessage callback registered, so queued frames are consumed
	// slowly enough that overflow is deterministic: block dispatch by
	// holding the callback.
	block := make(chan struct{})
	h.SetCallbacks(Callbacks{
		OnMessage: func(peerID string, data []byte) {
			<-block
		},
	})

	if err := h.AddPeer("a", &fakeChannel{}); err != nil {
		t.Fatalf("AddPeer() error: %v", err)
	}

	// One frame in-flight in the callback, two queued, the rest dropped.
	for i := 0; i < 10; i++ {
		h.Enqueue("a", []byte("f"))
	}
	close(block)

	if h.Stats().FramesDropped == 0 {
		t.Error("expected dropped frames on overflow")
	}
	if h.Count() != 1 {
		t.Error("peer was disconnected by overflow")
	}
}
