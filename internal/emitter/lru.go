package emitter

import (
	"container/list"
	"sync"
)

// dedupLRU is a bounded LRU of (instruction, entity) keys that have already
// produced an event. It only short-circuits the store lookup; the store's
// unique constraint remains the authority.
type dedupLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newDedupLRU(capacity int) *dedupLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the key to most recently used.
func (l *dedupLRU) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key, evicting the oldest entry when over capacity.
func (l *dedupLRU) Add(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}

	elem := l.order.PushFront(key)
	l.cache[key] = elem

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.cache, oldest.Value.(string))
		}
	}
}

// Len reports the number of cached keys.
func (l *dedupLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
