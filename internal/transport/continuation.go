package transport

import (
	"container/list"
	"net/url"
	"sync"
)

// DefaultContinuationCapacity bounds the number of playlist identities a
// store retains before evicting the least recently used one.
const DefaultContinuationCapacity = 64

// Identity is the stable key of a renewable playlist resource: who is
// consuming it, at which rendition level, and where it lives. Query strings
// are excluded so rotating tokens do not fragment the cache.
type Identity struct {
	ConsumerID string
	Level      int
	Resource   string
}

// IdentityFor builds an Identity from a raw playlist URL, keeping only the
// origin and path.
func IdentityFor(consumerID string, level int, rawURL string) Identity {
	id := Identity{ConsumerID: consumerID, Level: level, Resource: rawURL}
	if u, err := url.Parse(rawURL); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		id.Resource = u.String()
	}
	return id
}

// continuation accumulates the bytes seen so far for one identity.
type continuation struct {
	id   Identity
	size int64
	text string
}

// ContinuationStore tracks how much of each live-growing playlist resource
// has already been fetched, so follow-up loads can resume with a byte range
// instead of re-fetching previously seen bytes.
//
// The store is owned by the host session and bounded: least recently used
// identities are evicted once capacity is reached. Safe for concurrent use.
type ContinuationStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[Identity]*list.Element
}

// NewContinuationStore creates a store holding at most capacity identities.
// A non-positive capacity falls back to DefaultContinuationCapacity.
func NewContinuationStore(capacity int) *ContinuationStore {
	if capacity <= 0 {
		capacity = DefaultContinuationCapacity
	}
	return &ContinuationStore{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[Identity]*list.Element),
	}
}

// Offset returns the accumulated byte size for the identity, zero when the
// identity has not been seen.
func (s *ContinuationStore) Offset(id Identity) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[id]; ok {
		s.order.MoveToFront(el)
		return el.Value.(*continuation).size
	}
	return 0
}

// Append adds a fetched increment to the identity and returns the full
// accumulated text and size. The declared size may exceed len(text) when the
// server reported a larger Content-Length.
func (s *ContinuationStore) Append(id Identity, declared int64, text string) (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[id]
	if !ok {
		el = s.order.PushFront(&continuation{id: id})
		s.entries[id] = el
		s.evictLocked()
	} else {
		s.order.MoveToFront(el)
	}

	c := el.Value.(*continuation)
	c.size += declared
	c.text += text
	return c.text, c.size
}

// Forget drops the identity, forcing the next load to start from byte zero.
func (s *ContinuationStore) Forget(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[id]; ok {
		s.order.Remove(el)
		delete(s.entries, id)
	}
}

// Len returns the number of tracked identities.
func (s *ContinuationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLocked removes least recently used identities beyond capacity.
func (s *ContinuationStore) evictLocked() {
	for len(s.entries) > s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			return
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*continuation).id)
	}
}
