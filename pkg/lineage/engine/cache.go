package engine

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/haivivi/lineage/pkg/lineage"
)

// sessionCache is a bounded cache of session views. Ristretto shards its
// internal locks, so hot sessions do not serialize lookups of others.
//
// Writers replace entries while holding the session lock. Ristretto may
// drop a Set under contention; the next lookup then misses and reloads
// from storage, which is always authoritative.
type sessionCache struct {
	c *ristretto.Cache[string, *lineage.Session]
}

func newSessionCache(size int) (*sessionCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, *lineage.Session]{
		NumCounters:        int64(size) * 10,
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &sessionCache{c: c}, nil
}

// get returns a copy of the cached session.
func (c *sessionCache) get(id lineage.SessionID) (*lineage.Session, bool) {
	s, ok := c.c.Get(id.String())
	if !ok || s == nil {
		return nil, false
	}
	return s.Clone(), true
}

// put replaces the entry for s with a copy of s.
func (c *sessionCache) put(s *lineage.Session) {
	key := s.ID.String()
	c.c.Del(key)
	c.c.Set(key, s.Clone(), 1)
	c.c.Wait()
}

func (c *sessionCache) del(id lineage.SessionID) {
	c.c.Del(id.String())
}

func (c *sessionCache) clear() {
	c.c.Clear()
}

func (c *sessionCache) close() {
	c.c.Close()
}
