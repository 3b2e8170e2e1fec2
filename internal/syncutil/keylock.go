package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyLock serializes work per string key using a fixed pool of mutexes.
// Memory stays bounded no matter how many keys are seen; two keys that hash to
// the same shard share a lock.
type KeyLock struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the lock for key and returns the matching unlock function.
func (k *KeyLock) Lock(key string) func() {
	mu := k.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (k *KeyLock) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.shards[h.Sum32()%shardCount]
}
