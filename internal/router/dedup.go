package router

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduplicator suppresses reprocessing of frames the gateway has already
// seen. Entries live in a time-windowed LRU: the cap bounds memory and the
// TTL prevents a long session from accumulating ids until eviction starts
// discarding entries that are still hot. Detection is best-effort: a
// missed duplicate is cheaper than a systematic false positive.
type Deduplicator struct {
	msgs  *expirable.LRU[string, struct{}]
	comms *expirable.LRU[string, struct{}]
	hits  atomic.Uint64
}

// NewDeduplicator creates a Deduplicator retaining up to cap ids for ttl.
func NewDeduplicator(cap int, ttl time.Duration) *Deduplicator {
	if cap <= 0 {
		cap = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduplicator{
		msgs:  expirable.NewLRU[string, struct{}](cap, nil, ttl),
		comms: expirable.NewLRU[string, struct{}](cap, nil, ttl),
	}
}

// Seen reports whether the (msgID, commID) pair was already processed and
// marks it as processed. commID may be empty for non-comm frames; the
// secondary comm scope catches retries that reuse a msg_id under the same
// comm_id.
func (d *Deduplicator) Seen(msgID, commID string) bool {
	if msgID == "" {
		return false
	}

	dup := d.msgs.Contains(msgID)
	d.msgs.Add(msgID, struct{}{})

	if commID != "" {
		key := commID + "\x00" + msgID
		if d.comms.Contains(key) {
			dup = true
		}
		d.comms.Add(key, struct{}{})
	}

	if dup {
		d.hits.Add(1)
	}
	return dup
}

// Hits returns the number of duplicates suppressed so far.
func (d *Deduplicator) Hits() uint64 {
	return d.hits.Load()
}

// Len returns the number of msg_ids currently tracked.
func (d *Deduplicator) Len() int {
	return d.msgs.Len()
}
