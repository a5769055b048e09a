package session

import (
	"sync"
	"time"
)

// DefaultThreadTTL bounds how long a conversation-to-thread mapping is
// trusted before the widget must be asked again.
const DefaultThreadTTL = 30 * time.Minute

// ThreadInfo is the upstream thread behind a conversation, as last
// reported by the widget.
type ThreadInfo struct {
	ThreadID string
	Title    string
	Expiry   time.Time
}

// ThreadCache is a keyed TTL cache of conversation → thread lookups. It
// exists so the handoff relay can attach thread ids without another
// round trip to the widget.
type ThreadCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]ThreadInfo
	now     func() time.Time
}

func NewThreadCache(ttl time.Duration) *ThreadCache {
	if ttl <= 0 {
		ttl = DefaultThreadTTL
	}
	return &ThreadCache{
		ttl:     ttl,
		entries: make(map[string]ThreadInfo),
		now:     time.Now,
	}
}

func (t *ThreadCache) Put(key, threadID, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = ThreadInfo{
		ThreadID: threadID,
		Title:    title,
		Expiry:   t.now().Add(t.ttl),
	}
}

// Lookup returns the cached thread info for key. Expired entries are
// dropped and reported as misses.
func (t *ThreadCache) Lookup(key string) (ThreadInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.entries[key]
	if !ok {
		return ThreadInfo{}, false
	}
	if !t.now().Before(info.Expiry) {
		delete(t.entries, key)
		return ThreadInfo{}, false
	}
	return info, true
}

func (t *ThreadCache) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// Len reports the number of live entries, pruning expired ones.
func (t *ThreadCache) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, info := range t.entries {
		if !now.Before(info.Expiry) {
			delete(t.entries, key)
		}
	}
	return len(t.entries)
}
