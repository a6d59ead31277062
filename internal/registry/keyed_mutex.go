// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package registry

import (
	"hash/fnv"
	"sync"
)

// userLockShards is the keyed-mutex shard count. Power of two so the
// hash can be masked.
const userLockShards = 64

// keyedMutex serializes operations per key while letting distinct keys
// proceed in parallel. Two keys hashing to the same shard serialize
// with each other, which is harmless for correctness.
type keyedMutex struct {
	shards [userLockShards]sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &k.shards[h.Sum32()&(userLockShards-1)]
	mu.Lock()
	return mu
}
