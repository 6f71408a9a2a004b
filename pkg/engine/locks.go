package engine

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedMutex serializes multi-step transitions per sub-task id.
// Striping keeps the lock table fixed-size; two ids hashing to the
// same stripe serialize against each other, which is harmless.
type stripedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (m *stripedMutex) lock(key string) (unlock func()) {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &m.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
