// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"container/list"
	"sync"
)

var _ Cacher[struct{}, struct{}] = (*LRU[struct{}, struct{}])(nil)

// LRU is a key value store with bounded size. If the size is attempted to be
// exceeded, then an element is removed from the cache before the insertion is
// done, based on evicting the least recently used value.
type LRU[K comparable, V any] struct {
	lock     sync.Mutex
	elements map[K]*list.Element
	// order is ordered from least recently used to most recently used.
	order *list.List
	// Size is the maximum number of elements in the cache. If Size <= 0, a
	// minimum size of 1 is used.
	Size int
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

func (c *LRU[K, V]) Put(key K, value V) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.put(key, value)
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.get(key)
}

func (c *LRU[K, V]) Evict(key K) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.evict(key)
}

func (c *LRU[K, V]) Flush() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.flush()
}

func (c *LRU[K, V]) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.elements)
}

func (c *LRU[K, V]) put(key K, value V) {
	c.resize()

	if elt, ok := c.elements[key]; ok {
		c.order.MoveToBack(elt)
		elt.Value.(*entry[K, V]).value = value
		return
	}

	if len(c.elements) >= c.Size {
		oldest := c.order.Front()
		delete(c.elements, oldest.Value.(*entry[K, V]).key)
		c.order.Remove(oldest)
	}
	c.elements[key] = c.order.PushBack(&entry[K, V]{
		key:   key,
		value: value,
	})
}

func (c *LRU[K, V]) get(key K) (V, bool) {
	c.resize()

	elt, ok := c.elements[key]
	if !ok {
		return *new(V), false
	}
	c.order.MoveToBack(elt)
	return elt.Value.(*entry[K, V]).value, true
}

func (c *LRU[K, V]) evict(key K) {
	c.resize()

	if elt, ok := c.elements[key]; ok {
		delete(c.elements, key)
		c.order.Remove(elt)
	}
}

func (c *LRU[K, V]) flush() {
	c.elements = nil
	c.order = nil
	c.resize()
}

func (c *LRU[K, V]) resize() {
	if c.elements == nil {
		c.elements = make(map[K]*list.Element)
		c.order = list.New()
	}
	if c.Size <= 0 {
		c.Size = 1
	}
}
