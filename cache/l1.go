package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultL1Capacity = 1000

// l1Tier is the in-memory LRU tier: cleartext entries, O(1) operations,
// backed by hashicorp/golang-lru rather than a hand-rolled ordered map
// plus index, since the library already provides the exact
// get/add/remove/len primitives §4.6 asks for.
type l1Tier struct {
	lru *lru.Cache[string, *Entry]
}

func newL1Tier(capacity int) (*l1Tier, error) {
	if capacity <= 0 {
		capacity = defaultL1Capacity
	}
	c, err := lru.New[string, *Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &l1Tier{lru: c}, nil
}

func (t *l1Tier) get(key string) (*Entry, bool) {
	e, ok := t.lru.Get(key)
	if !ok {
		return nil, false
	}
	return e, true
}

func (t *l1Tier) put(e *Entry) (evicted bool) {
	return t.lru.Add(e.Key, e)
}

func (t *l1Tier) remove(key string) {
	t.lru.Remove(key)
}

func (t *l1Tier) clear() {
	t.lru.Purge()
}

func (t *l1Tier) len() int {
	return t.lru.Len()
}

func (t *l1Tier) keys() []string {
	return t.lru.Keys()
}
