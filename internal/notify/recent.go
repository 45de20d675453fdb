package notify

import (
	"container/list"
	"sync"
	"time"
)

// recentKeys is a bounded in-process cache of dedup keys, consulted before
// the database to keep the hot path cheap.
type recentKeys struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	byKey map[string]*list.Element
}

type recentEntry struct {
	key string
	at  time.Time
}

func newRecentKeys(capacity int) *recentKeys {
	return &recentKeys{
		cap:   capacity,
		order: list.New(),
		byKey: make(map[string]*list.Element),
	}
}

// seen reports whether key was added inside the window.
func (r *recentKeys) seen(key string, now time.Time, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byKey[key]
	if !ok {
		return false
	}
	return now.Sub(el.Value.(*recentEntry).at) < window
}

// add records key at now, evicting the oldest entry past capacity.
func (r *recentKeys) add(key string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.byKey[key]; ok {
		el.Value.(*recentEntry).at = now
		r.order.MoveToFront(el)
		return
	}
	r.byKey[key] = r.order.PushFront(&recentEntry{key: key, at: now})
	for r.order.Len() > r.cap {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.byKey, oldest.Value.(*recentEntry).key)
	}
}
