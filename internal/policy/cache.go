package policy

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// decisionCache is an LRU with a per-entry TTL.
type decisionCache struct {
	cap  int
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
	list *list.List // MRU at front
	m    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		now:  time.Now,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func cacheKey(in Input) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", in.Role, in.Action, in.Resource, in.UserID, in.OwnerID)
}

func (c *decisionCache) Get(in Input) (*Decision, bool) {
	key := cacheKey(in)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(cacheEntry)
	if !ce.expiresAt.After(c.now()) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return ce.decision, true
}

func (c *decisionCache) Set(in Input, d *Decision) {
	key := cacheKey(in)
	entry := cacheEntry{key: key, expiresAt: c.now().Add(c.ttl), decision: d}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			delete(c.m, lru.Value.(cacheEntry).key)
			c.list.Remove(lru)
		}
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
