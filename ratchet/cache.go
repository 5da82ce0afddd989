// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"github.com/awnumar/memguard"
)

type cacheKey struct {
	epoch   uint32
	counter uint32
}

// skippedKeyCache holds message keys for out-of-order messages, bounded
// in size. When the bound is reached the oldest cached key is wiped and
// evicted to make room.
type skippedKeyCache struct {
	entries map[cacheKey]*memguard.LockedBuffer
	order   []cacheKey
	bound   int
}

func newSkippedKeyCache(bound int) *skippedKeyCache {
	return &skippedKeyCache{
		entries: make(map[cacheKey]*memguard.LockedBuffer),
		bound:   bound,
	}
}

func (c *skippedKeyCache) put(epoch, counter uint32, key []byte) {
	k := cacheKey{epoch: epoch, counter: counter}
	if old, ok := c.entries[k]; ok {
		// Replace in place; the order entry for k is still valid.
		old.Destroy()
		c.entries[k] = memguard.NewBufferFromBytes(key)
		return
	}
	for len(c.entries) >= c.bound {
		c.evictOldest()
	}
	c.entries[k] = memguard.NewBufferFromBytes(key)
	c.order = append(c.order, k)
	if len(c.order) > 2*c.bound {
		c.compact()
	}
}

// compact drops order entries whose keys were taken, bounding the
// order slice at twice the cache bound.
func (c *skippedKeyCache) compact() {
	live := c.order[:0]
	for _, k := range c.order {
		if _, ok := c.entries[k]; ok {
			live = append(live, k)
		}
	}
	c.order = live
}

// take removes and returns the cached key, or nil if absent. The caller
// owns the returned buffer and must Destroy it.
func (c *skippedKeyCache) take(epoch, counter uint32) *memguard.LockedBuffer {
	k := cacheKey{epoch: epoch, counter: counter}
	buf, ok := c.entries[k]
	if !ok {
		return nil
	}
	delete(c.entries, k)
	return buf
}

func (c *skippedKeyCache) evictOldest() {
	for len(c.order) > 0 {
		k := c.order[0]
		c.order = c.order[1:]
		if buf, ok := c.entries[k]; ok {
			buf.Destroy()
			delete(c.entries, k)
			return
		}
	}
}

func (c *skippedKeyCache) len() int {
	return len(c.entries)
}

func (c *skippedKeyCache) destroy() {
	for k, buf := range c.entries {
		buf.Destroy()
		delete(c.entries, k)
	}
	c.order = nil
}

type serializedSkippedKey struct {
	Epoch   uint32 `cbor:"epoch"`
	Counter uint32 `cbor:"counter"`
	Key     []byte `cbor:"key"`
}

func (c *skippedKeyCache) serialize() []serializedSkippedKey {
	out := make([]serializedSkippedKey, 0, len(c.entries))
	for _, k := range c.order {
		buf, ok := c.entries[k]
		if !ok {
			continue
		}
		out = append(out, serializedSkippedKey{
			Epoch:   k.epoch,
			Counter: k.counter,
			Key:     buf.Bytes(),
		})
	}
	return out
}

func (c *skippedKeyCache) restore(keys []serializedSkippedKey) {
	for _, sk := range keys {
		c.put(sk.Epoch, sk.Counter, sk.Key)
	}
}
