package optimization

import (
	"fmt"
	"sort"
	"sync"
)

// BufferPool recycles float64 scratch slices by power-of-two size class
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool // Pools indexed by buffer size
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for a buffer pool
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// GetFloat64Buffer gets a zeroed float64 buffer of exactly size elements
func (bp *BufferPool) GetFloat64Buffer(size int) []float64 {
	bp.mu.Lock()

	poolSize := roundUpToPowerOf2(size)

	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{
			New: func() interface{} {
				return make([]float64, poolSize)
			},
		}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}

	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}

	bp.mu.Unlock()

	buf := pool.Get().([]float64)
	if len(buf) < size {
		bp.mu.Lock()
		stats.Misses++
		bp.mu.Unlock()
		buf = make([]float64, poolSize)
	}

	return buf[:size]
}

// PutFloat64Buffer returns a buffer obtained from GetFloat64Buffer
func (bp *BufferPool) PutFloat64Buffer(buf []float64) {
	if cap(buf) == 0 {
		return
	}

	bp.mu.Lock()
	poolSize := roundUpToPowerOf2(cap(buf))

	pool, exists := bp.pools[poolSize]
	if !exists || poolSize != cap(buf) {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[poolSize]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	full := buf[:cap(buf)]
	for i := range full {
		full[i] = 0
	}
	pool.Put(full)
}

// Stats returns statistics for all buffer pools
func (bp *BufferPool) Stats() map[int]*PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	// Return a copy to avoid race conditions
	statsCopy := make(map[int]*PoolStats)
	for size, stats := range bp.stats {
		statsCopy[size] = &PoolStats{
			Gets:     stats.Gets,
			Puts:     stats.Puts,
			Misses:   stats.Misses,
			InUse:    stats.InUse,
			MaxInUse: stats.MaxInUse,
		}
	}

	return statsCopy
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	result := "BufferPool Statistics:\n"
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}

		result += fmt.Sprintf("  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}

	return result
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}

	if n&(n-1) == 0 {
		return n
	}

	power := 1
	for power < n {
		power <<= 1
	}

	return power
}
