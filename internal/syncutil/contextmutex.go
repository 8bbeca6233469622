// Package syncutil provides keyed locks used to serialize conflicting
// balance mutations inside one process.
package syncutil

import (
	"context"
	"hash/fnv"
	"sort"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes addressed by string
// key. Keys that hash to the same shard share a lock. Acquisition honors
// context cancellation so callers abandoning a request never block.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
}

// NewKeyedMutex creates a keyed mutex with every shard unlocked.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock acquires the lock for key. On success the returned unlock function
// must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	return m.LockAll(ctx, key)
}

// LockAll acquires the locks for every key. Shards are taken once each in
// ascending index order, so two callers locking overlapping key sets cannot
// deadlock. If ctx ends midway, locks already taken are released.
func (m *KeyedMutex) LockAll(ctx context.Context, keys ...string) (func(), error) {
	idx := m.shardSet(keys)
	held := make([]int, 0, len(idx))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.shards[held[i]] <- struct{}{}
		}
	}

	for _, i := range idx {
		select {
		case <-m.shards[i]:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (m *KeyedMutex) shardSet(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		i := shardIdx(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func shardIdx(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
