package cache

import (
	"container/list"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/frustreated/MaidSafe-Routing/internal/message"
	"github.com/frustreated/MaidSafe-Routing/internal/telemetry"
)

// KeyBytes is the content-key width; a key is the BLAKE2b-512 digest of
// the content, matching the overlay's id width.
const KeyBytes = 64

type Key [KeyBytes]byte

// KeyFor names a payload by its digest.
func KeyFor(payload []byte) Key {
	return Key(blake2b.Sum512(payload))
}

type entry struct {
	key Key
	val []byte
}

// StoreFunc and LookupFunc let the caller own the cached bytes instead of
// the in-memory LRU.
type (
	StoreFunc  func(key []byte, content []byte)
	LookupFunc func(key []byte) ([]byte, bool)
)

// Manager opportunistically caches content that flows through this node
// so later GET-style requests for the same bytes stop here.
type Manager struct {
	selfHex string
	budget  int
	log     telemetry.Logger

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[Key]*list.Element
	size  int

	store  StoreFunc
	lookup LookupFunc

	hits, misses uint64
}

func New(selfHex string, budgetBytes int, log telemetry.Logger) *Manager {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Manager{
		selfHex: selfHex,
		budget:  budgetBytes,
		log:     log,
		ll:      list.New(),
		items:   make(map[Key]*list.Element),
	}
}

// SetFunctors delegates storage to the caller. The internal LRU keeps
// working as a first-level cache in front of them.
func (c *Manager) SetFunctors(store StoreFunc, lookup LookupFunc) {
	c.mu.Lock()
	c.store = store
	c.lookup = lookup
	c.mu.Unlock()
}

// AddToCache records the payload of a cacheable response message.
func (c *Manager) AddToCache(m *message.Message) {
	if m == nil || !m.Cacheable || m.Request || len(m.Payload) == 0 {
		return
	}
	key := KeyFor(m.Payload)

	c.mu.Lock()
	store := c.store
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
	} else {
		val := append([]byte(nil), m.Payload...)
		c.items[key] = c.ll.PushFront(&entry{key: key, val: val})
		c.size += len(val)
		c.evictLocked()
	}
	c.mu.Unlock()

	if store != nil {
		store(key[:], m.Payload)
	}
}

// HandleGetFromCache answers a cacheable request whose payload names a
// content key we hold. On a hit the message is rewritten in place into
// the response and true is returned so forwarding stops here.
func (c *Manager) HandleGetFromCache(m *message.Message) bool {
	if m == nil || !m.Cacheable || !m.Request || len(m.Payload) != KeyBytes {
		return false
	}
	var key Key
	copy(key[:], m.Payload)

	c.mu.Lock()
	var val []byte
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		val = el.Value.(*entry).val
		c.hits++
	}
	lookup := c.lookup
	if val == nil {
		c.misses++
	}
	c.mu.Unlock()

	if val == nil && lookup != nil {
		if b, ok := lookup(key[:]); ok {
			val = b
		}
	}
	if val == nil {
		return false
	}

	resp := m.Response(c.selfHex, val)
	*m = *resp
	return true
}

// Stats reports hit and miss counters.
func (c *Manager) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of resident entries.
func (c *Manager) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Manager) evictLocked() {
	for c.size > c.budget {
		back := c.ll.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.ll.Remove(back)
		delete(c.items, e.key)
		c.size -= len(e.val)
		c.log.Printf("cache: evicted %d bytes", len(e.val))
	}
}
