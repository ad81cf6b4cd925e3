package pools

import (
	"sort"
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered byte slice pool for fixed buffer sizes.
// Connections take their read and write buffers from it on accept and
// return them on close.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// Default tiers: request buffer and response head buffer.
var defaultSizes = []int{1024, 2048}

// NewBytePool creates a byte pool with the given size tiers.
// Without sizes the default tiers are used.
func NewBytePool(sizes ...int) *BytePool {
	if len(sizes) == 0 {
		sizes = defaultSizes
	}

	tiers := make([]int, 0, len(sizes))
	for _, size := range sizes {
		if size > 0 {
			tiers = append(tiers, size)
		}
	}
	sort.Ints(tiers)
	tiers = dedupInts(tiers)

	bp := &BytePool{
		pools: make([]*sync.Pool, len(tiers)),
		sizes: tiers,
	}
	for i, size := range tiers {
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

// Get returns a slice of length size backed by the smallest tier that fits.
// Contents are not cleared. Oversized requests are allocated directly.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			return (*bufPtr)[:size]
		}
	}

	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the tier matching its capacity.
// Slices not obtained from the pool are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}
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
	gets, puts := bp.gets.Load(), bp.puts.Load()
	active := int64(gets) - int64(bp.misses.Load()) - int64(puts)
	if active < 0 {
		active = 0
	}
	return BytePoolStats{
		Tiers:      append([]int(nil), bp.sizes...),
		TotalGets:  gets,
		TotalPuts:  puts,
		Misses:     bp.misses.Load(),
		ActiveBufs: int(active),
	}
}

// BytePoolStats contains pool statistics
type BytePoolStats struct {
	Tiers      []int
	TotalGets  uint64
	TotalPuts  uint64
	Misses     uint64
	ActiveBufs int
}

func dedupInts(s []int) []int {
	out := s[:0]
	for _, v := range s {
		if len(out) == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
