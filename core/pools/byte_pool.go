package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool for different size classes.
// Sessions take their read buffer and every file transfer its chunk buffer
// from it.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// Buffer sizes for request reads and file chunks
var defaultSizes = []int{
	512,
	4096, // Default chunk size
	8192, // Default read buffer
	32768,
	65536,
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers, which
// must be ascending
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of exactly size bytes, backed by the smallest
// tier that fits
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}

	// Size too large, allocate directly
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice obtained from Get. Slices whose capacity matches
// no tier are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			bp.puts.Add(1)
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:   bp.gets.Load(),
		Puts:   bp.puts.Load(),
		Misses: bp.misses.Load(),
	}
}

// BytePoolStats contains pool statistics
type BytePoolStats struct {
	Gets   uint64
	Puts   uint64
	Misses uint64
}
