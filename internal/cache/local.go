// Package cache provides the two-tier lookup cache: a bounded in-process LRU
// fronting an optional shared Redis tier. Values are immutable snapshots with
// a TTL; the shared tier is best-effort and never fails a request.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type localEntry struct {
	key    string
	value  []byte
	expiry time.Time
}

// Local is the in-process tier: a mutex-guarded LRU bounded by entry count.
type Local struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

// NewLocal creates the in-process tier with the given entry cap.
func NewLocal(maxEntries int) *Local {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Local{
		maxSize: maxEntries,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the cached value, or nil on miss or expiry. Expired entries are
// removed eagerly.
func (l *Local) Get(key string) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.entries[key]
	if !ok {
		return nil
	}
	entry := el.Value.(*localEntry)
	if time.Now().After(entry.expiry) {
		l.order.Remove(el)
		delete(l.entries, key)
		return nil
	}
	l.order.MoveToFront(el)
	return entry.value
}

// Set stores an immutable snapshot, evicting the least recently used entry
// when the cap is reached.
func (l *Local) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[key]; ok {
		entry := el.Value.(*localEntry)
		entry.value = value
		entry.expiry = time.Now().Add(ttl)
		l.order.MoveToFront(el)
		return
	}

	if l.order.Len() >= l.maxSize {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.entries, oldest.Value.(*localEntry).key)
		}
	}

	el := l.order.PushFront(&localEntry{key: key, value: value, expiry: time.Now().Add(ttl)})
	l.entries[key] = el
}

// Invalidate drops a key from the local tier.
func (l *Local) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.entries[key]; ok {
		l.order.Remove(el)
		delete(l.entries, key)
	}
}

// Len returns the current entry count.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
