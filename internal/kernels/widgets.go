package kernels

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// widgetCap bounds the number of comms tracked; older entries fall out of
// the LRU rather than growing without bound.
const widgetCap = 4096

// Widget states.
const (
	widgetOpen   = "open"
	widgetClosed = "closed"
)

// WidgetInfo describes one tracked comm.
type WidgetInfo struct {
	CommID       string
	InstanceID   string
	TargetName   string
	State        string
	MessageCount int
}

// WidgetTracker observes comm traffic without rewriting it. It answers
// "which widgets does this instance own?" on reconnection and bounds its
// own memory with an LRU.
type WidgetTracker struct {
	mu    sync.Mutex
	comms *lru.Cache[string, *WidgetInfo]
}

// NewWidgetTracker creates an empty tracker.
func NewWidgetTracker() *WidgetTracker {
	c, _ := lru.New[string, *WidgetInfo](widgetCap)
	return &WidgetTracker{comms: c}
}

// Open records a comm_open for an instance.
func (t *WidgetTracker) Open(commID, instanceID, targetName string) {
	if commID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.comms.Add(commID, &WidgetInfo{
		CommID:     commID,
		InstanceID: instanceID,
		TargetName: targetName,
		State:      widgetOpen,
	})
}

// Message counts a comm_msg on an existing comm.
func (t *WidgetTracker) Message(commID string) {
	if commID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.comms.Get(commID); ok {
		w.MessageCount++
	}
}

// Close marks a comm closed. The record is retained (bounded by the LRU)
// so reconnection logic can distinguish closed from never-seen.
func (t *WidgetTracker) Close(commID string) {
	if commID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.comms.Get(commID); ok {
		w.State = widgetClosed
	}
}

// ByInstance returns the open widgets owned by an instance.
func (t *WidgetTracker) ByInstance(instanceID string) []WidgetInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []WidgetInfo
	for _, commID := range t.comms.Keys() {
		if w, ok := t.comms.Peek(commID); ok && w.InstanceID == instanceID && w.State == widgetOpen {
			out = append(out, *w)
		}
	}
	return out
}

// Len returns the number of tracked comms.
func (t *WidgetTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.comms.Len()
}
