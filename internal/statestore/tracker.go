package statestore

import (
	"encoding/binary"
	"sync"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
)

// pidIndex remembers which pids were ever written. The bloom filter lets
// Load skip the database for pids never seen; the HyperLogLog sketch
// estimates how many distinct pids the store has observed.
type pidIndex struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	sketch *hyperloglog.Sketch
}

func newPIDIndex(expectedItems uint, fpRate float64) *pidIndex {
	if expectedItems == 0 {
		expectedItems = 100000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &pidIndex{
		filter: bloom.NewWithEstimates(expectedItems, fpRate),
		sketch: hyperloglog.New(),
	}
}

func pidBytes(pid int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(pid))
	return b[:]
}

// add records pid in both structures.
func (x *pidIndex) add(pid int) {
	key := pidBytes(pid)
	x.mu.Lock()
	x.filter.Add(key)
	x.sketch.Insert(key)
	x.mu.Unlock()
}

// mayContain reports false only when pid was definitely never added.
func (x *pidIndex) mayContain(pid int) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.filter.Test(pidBytes(pid))
}

// estimate returns the distinct pid estimate.
// Uses the write lock because Estimate may merge the sparse representation.
func (x *pidIndex) estimate() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.sketch.Estimate()
}

// reset forgets every pid.
func (x *pidIndex) reset() {
	x.mu.Lock()
	x.filter.ClearAll()
	x.sketch = hyperloglog.New()
	x.mu.Unlock()
}
