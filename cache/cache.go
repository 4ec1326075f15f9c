package cache

import (
	"fmt"
	"sync"
)

// Cache holds decoded run data blocks, keyed by run and block. Run indexes
// stay on their open Table and are not cached here.
// A nil *Cache or one built with capacity 0 caches nothing.
type Cache struct {
	lock   sync.Mutex
	policy *WinTinyLFU
	hits   uint64
	misses uint64
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		return nil
	}
	return &Cache{policy: NewWinTinyLFU(capacity)}
}

// BlockKey names block idx of run id.
func BlockKey(id uint64, idx int) string {
	return fmt.Sprintf("%d/%d", id, idx)
}

func (c *Cache) Get(key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.policy.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

func (c *Cache) Put(key string, value interface{}) {
	if c == nil {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.policy.Put(key, value)
}

// DropRun evicts every block of a run.
func (c *Cache) DropRun(id uint64, blocks int) {
	if c == nil {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	for i := 0; i < blocks; i++ {
		c.policy.Remove(BlockKey(id, i))
	}
}

func (c *Cache) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.hits, c.misses
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.policy.Len()
}
