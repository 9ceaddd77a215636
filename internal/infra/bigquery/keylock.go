package bigquery

import (
	"hash/fnv"
	"sync"
)

const keyLockStripes = 64

// keyLocks serializes writes per duplicate key within one process. Distinct
// keys may share a stripe; that only costs parallelism.
type keyLocks struct {
	stripes [keyLockStripes]sync.Mutex
}

func (l *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%keyLockStripes]
	mu.Lock()
	return mu.Unlock
}
