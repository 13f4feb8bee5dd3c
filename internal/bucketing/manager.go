package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Manager maps keys onto a fixed number of buckets with murmur3. The mapping is stable
// across processes, so every instance agrees on the bucket of a key.
type Manager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewManager(buckets int) *Manager {
	if buckets < 1 {
		buckets = 1
	}

	return &Manager{
		buckets: buckets,
		hasherPool: sync.Pool{
			New: func() any {
				return murmur3.New64()
			},
		},
	}
}

// Bucket returns the bucket of key in [0, Buckets()).
func (m *Manager) Bucket(key string) int {
	return int(m.Hash(key) % uint64(m.buckets))
}

// Buckets returns the number of buckets.
func (m *Manager) Buckets() int {
	return m.buckets
}

// Hash returns the 64-bit murmur3 hash of key.
func (m *Manager) Hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
