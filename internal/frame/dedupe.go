package frame

import (
	"container/list"
	"sync"
	"time"
)

// Dedupe tracks recently-seen idempotency keys so a client's retried
// chat.send (or any other idempotent request) is recognized and answered
// without re-running it. Entries expire after DedupeTTL and the buffer
// never grows past DedupeMaxEntries, evicting the oldest entry first.
type Dedupe struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	order   *list.List // front = oldest
	entries map[string]*list.Element
}

type dedupeEntry struct {
	key       string
	expiresAt time.Time
}

// NewDedupe constructs a Dedupe using the protocol's default TTL and cap.
func NewDedupe() *Dedupe {
	return NewDedupeWithLimits(DedupeTTL, DedupeMaxEntries)
}

// NewDedupeWithLimits constructs a Dedupe with custom TTL/capacity, mainly
// for tests that want to exercise eviction without waiting out the TTL.
func NewDedupeWithLimits(ttl time.Duration, maxSize int) *Dedupe {
	return &Dedupe{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Seen reports whether key was already recorded (and not yet expired),
// and records it as seen for subsequent calls either way.
func (d *Dedupe) Seen(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	d.evictExpiredLocked(now)

	if el, ok := d.entries[key]; ok {
		el.Value.(*dedupeEntry).expiresAt = now.Add(d.ttl)
		d.order.MoveToBack(el)
		return true
	}

	d.evictOldestIfFullLocked()
	el := d.order.PushBack(&dedupeEntry{key: key, expiresAt: now.Add(d.ttl)})
	d.entries[key] = el
	return false
}

func (d *Dedupe) evictExpiredLocked(now time.Time) {
	for {
		front := d.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*dedupeEntry)
		if entry.expiresAt.After(now) {
			return
		}
		d.order.Remove(front)
		delete(d.entries, entry.key)
	}
}

func (d *Dedupe) evictOldestIfFullLocked() {
	if len(d.entries) < d.maxSize {
		return
	}
	front := d.order.Front()
	if front == nil {
		return
	}
	d.order.Remove(front)
	delete(d.entries, front.Value.(*dedupeEntry).key)
}

// Len reports the current number of tracked (non-expired-as-of-last-call)
// entries. Exposed for tests and metrics.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
