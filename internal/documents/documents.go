// Package documents fans out collaborative document updates among peers
// and persists notebook snapshots back to the Jupyter file store on a
// debounced timer. Update payloads are opaque CRDT bytes; the hub never
// interprets them.
package documents

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lakeview-labs/notebridge/pkg/protocol"
)

// Peers is the fan-out surface of the peer hub.
type Peers interface {
	SendTo(peerID string, frame []byte) bool
	Broadcast(frame []byte, exceptPeerID string) int
}

// Saver writes a notebook snapshot to the Jupyter contents API.
type Saver interface {
	SaveNotebook(ctx context.Context, path string, content json.RawMessage) error
}

// Config configures a Hub.
type Config struct {
	// Peers delivers frames.
	Peers Peers

	// Saver persists notebook snapshots.
	Saver Saver

	// Debounce is how long a document must stay quiet before a save is
	// attempted (default 2s).
	Debounce time.Duration

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// document is the in-memory record for one collaborative artifact.
// Created lazily on first update, never destroyed.
type document struct {
	id         string
	updates    uint64
	lastUpdate time.Time

	saveTimer *time.Timer

	// awaitingState is set when a snapshot has been requested and the
	// first yjs_state_response should be persisted.
	awaitingState bool

	// saving is set while a PUT to the contents API is in flight. At most
	// one save per document runs at a time.
	saving bool

	// waiters are peers that asked for the document state themselves and
	// get the first response relayed back.
	waiters []string
}

// Hub relays document and awareness updates and schedules debounced
// persistence. One mutex guards the document map; it is never held
// across a network call.
type Hub struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	docs map[string]*document

	updates   atomic.Uint64
	awareness atomic.Uint64
	saves     atomic.Uint64
	saveFails atomic.Uint64
}

// New creates a Hub.
func New(cfg Config) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		log:    log.With("component", "documents"),
		ctx:    ctx,
		cancel: cancel,
		docs:   make(map[string]*document),
	}
}

// Close stops every pending save timer.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for _, d := range h.docs {
		if d.saveTimer != nil {
			d.saveTimer.Stop()
		}
	}
	h.mu.Unlock()
}

// ApplyUpdate relays a document update to every other peer and resets the
// document's debounced save timer.
func (h *Hub) ApplyUpdate(peerID string, f *protocol.Frame) {
	h.updates.Add(1)
	h.cfg.Peers.Broadcast(f.Raw, peerID)

	docID := f.DocID
	h.mu.Lock()
	d := h.ensureLocked(docID)
	d.updates++
	d.lastUpdate = time.Now()
	if d.saveTimer == nil {
		d.saveTimer = time.AfterFunc(h.cfg.Debounce, func() { h.saveTimerFired(docID) })
	} else {
		d.saveTimer.Reset(h.cfg.Debounce)
	}
	h.mu.Unlock()
}

// ApplyAwareness relays an awareness update. Awareness is never
// persisted and never arms the save timer.
func (h *Hub) ApplyAwareness(peerID string, f *protocol.Frame) {
	h.awareness.Add(1)
	h.cfg.Peers.Broadcast(f.Raw, peerID)
}

// HandleRequestState relays a peer's own request for the current document
// state to the other peers and remembers the requester so the first
// response is forwarded back to it.
func (h *Hub) HandleRequestState(peerID string, f *protocol.Frame) {
	h.mu.Lock()
	d := h.ensureLocked(f.DocID)
	d.waiters = append(d.waiters, peerID)
	h.mu.Unlock()

	h.cfg.Peers.Broadcast(f.Raw, peerID)
}

// HandleStateResponse processes a full notebook snapshot from a peer: it
// answers any waiting peers and, when a debounced save requested the
// snapshot, persists it. The first response wins; later ones for the same
// request cycle are ignored.
func (h *Hub) HandleStateResponse(peerID string, f *protocol.Frame) {
	h.mu.Lock()
	d := h.ensureLocked(f.DocID)

	waiters := d.waiters
	d.waiters = nil

	persist := d.awaitingState && !d.saving
	if persist {
		d.awaitingState = false
		d.saving = true
	}
	h.mu.Unlock()

	for _, w := range waiters {
		if w != peerID {
			h.cfg.Peers.SendTo(w, f.Raw)
		}
	}

	if persist {
		go h.persist(f.DocID, f.State)
	}
}

// saveTimerFired requests a snapshot from the peers when the document has
// been quiet for the debounce window. The save itself happens when the
// first yjs_state_response arrives.
func (h *Hub) saveTimerFired(docID string) {
	if h.ctx.Err() != nil {
		return
	}
	h.mu.Lock()
	d := h.ensureLocked(docID)
	if d.saving {
		// A save is already in flight; the next update re-arms the timer.
		h.mu.Unlock()
		return
	}
	d.awaitingState = true
	h.mu.Unlock()

	req, err := json.Marshal(map[string]any{
		"action": protocol.ActionRequestState,
		"docId":  docID,
	})
	if err != nil {
		return
	}
	if n := h.cfg.Peers.Broadcast(req, ""); n == 0 {
		h.log.Debug("no peers to snapshot document", "doc_id", docID)
	}
}

// persist PUTs the snapshot to the contents API. Failures are logged; the
// next debounce cycle retries with a fresh snapshot.
func (h *Hub) persist(docID string, state json.RawMessage) {
	defer func() {
		h.mu.Lock()
		if d := h.docs[docID]; d != nil {
			d.saving = false
		}
		h.mu.Unlock()
	}()

	if len(state) == 0 {
		h.log.Warn("state response without content", "doc_id", docID)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
	defer cancel()

	path := notebookPath(docID)
	if err := h.cfg.Saver.SaveNotebook(ctx, path, state); err != nil {
		h.saveFails.Add(1)
		h.log.Warn("notebook save failed", "doc_id", docID, "path", path, "error", err)
		return
	}
	h.saves.Add(1)
	h.log.Info("notebook saved", "doc_id", docID, "path", path)
}

// ensureLocked returns the document record, creating it lazily. Caller
// holds h.mu.
func (h *Hub) ensureLocked(docID string) *document {
	d := h.docs[docID]
	if d == nil {
		d = &document{id: docID}
		h.docs[docID] = d
	}
	return d
}

// notebookPath derives the contents-API path from a document id:
// "notebook-foo-bar" maps to "foo/bar.ipynb". Anything else falls back to
// tmp.ipynb.
func notebookPath(docID string) string {
	rest, ok := strings.CutPrefix(docID, "notebook-")
	if !ok || rest == "" {
		return "tmp.ipynb"
	}
	return strings.ReplaceAll(rest, "-", "/") + ".ipynb"
}

// Stats is a snapshot of document hub counters for the status endpoint.
type Stats struct {
	Documents int    `json:"documents"`
	Updates   uint64 `json:"updates"`
	Awareness uint64 `json:"awareness_updates"`
	Saves     uint64 `json:"saves"`
	SaveFails uint64 `json:"save_failures"`
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.docs)
	h.mu.Unlock()
	return Stats{
		Documents: n,
		Updates:   h.updates.Load(),
		Awareness: h.awareness.Load(),
		Saves:     h.saves.Load(),
		SaveFails: h.saveFails.Load(),
	}
}
