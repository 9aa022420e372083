package memory

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfMemory is returned when an allocation cannot be satisfied by the
// device's memory budget. It is distinct from every other failure so that
// callers can shrink and retry.
var ErrOutOfMemory = errors.New("out of memory")

// FailureHook is consulted before every allocation. Returning a non-nil
// error makes the allocation fail with that error wrapped as
// ErrOutOfMemory.
type FailureHook func(label string, elements int) error

// BufferPool manages idle float64 slices of a single size
type BufferPool struct {
	buffers    chan []float64 // Idle buffers
	maxSize    int            // Pool size limit
	bufferSize int            // Fixed element count for this pool
	device     DeviceType
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int, device DeviceType) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float64, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
		device:     device,
	}
}

// tryGet returns an idle buffer if one is available.
func (bp *BufferPool) tryGet() ([]float64, bool) {
	select {
	case buf := <-bp.buffers:
		return buf, true
	default:
		return nil, false
	}
}

// tryPut parks a buffer for reuse. It reports false when the pool is full.
func (bp *BufferPool) tryPut(buf []float64) bool {
	select {
	case bp.buffers <- buf:
		return true
	default:
		return false
	}
}

// drain drops every idle buffer and returns how many were dropped.
func (bp *BufferPool) drain() int {
	n := 0
	for {
		select {
		case <-bp.buffers:
			n++
		default:
			return n
		}
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, maxSize int) {
	return len(bp.buffers), bp.maxSize
}

// PoolKey represents a key for the buffer pool map
type PoolKey struct {
	Size   int
	Device DeviceType
}

// Pool tiers in elements: 128, 512, 2K, 8K, 32K, 128K, 512K, 2M.
// Larger requests are allocated at their exact size.
var defaultPoolSizes = []int{
	128, 512, 2048, 8192, 32768, 131072, 524288, 2097152,
}

// MemoryManager accounts float64 buffers on one device against a byte
// budget and recycles released buffers by size tier.
type MemoryManager struct {
	device DeviceType

	mu     sync.Mutex
	pools  map[PoolKey]*BufferPool
	limit  int64 // bytes, 0 means unlimited
	inUse  int64 // bytes held by live buffers
	cached int64 // bytes parked in pools
	peak   int64
	allocs int64
	failed int64
	hook   FailureHook
	sizes  []int
}

// NewMemoryManager creates a memory manager for device with a byte limit.
// A limit of zero disables the budget.
func NewMemoryManager(device DeviceType, limitBytes int64) *MemoryManager {
	return &MemoryManager{
		device: device,
		pools:  make(map[PoolKey]*BufferPool),
		limit:  limitBytes,
		sizes:  defaultPoolSizes,
	}
}

// Device returns the device this manager allocates on.
func (mm *MemoryManager) Device() DeviceType {
	return mm.device
}

// SetFailureHook installs a hook consulted before each allocation.
func (mm *MemoryManager) SetFailureHook(hook FailureHook) {
	mm.mu.Lock()
	mm.hook = hook
	mm.mu.Unlock()
}

// Allocate returns a zeroed buffer of elements float64 values.
func (mm *MemoryManager) Allocate(label string, elements int) (*Buffer, error) {
	if elements < 0 {
		return nil, fmt.Errorf("allocate %s: negative size %d", label, elements)
	}

	mm.mu.Lock()
	hook := mm.hook
	mm.mu.Unlock()
	if hook != nil {
		if err := hook(label, elements); err != nil {
			mm.mu.Lock()
			mm.failed++
			mm.mu.Unlock()
			return nil, fmt.Errorf("allocate %s (%d elements): %w: %v", label, elements, ErrOutOfMemory, err)
		}
	}

	size := mm.findPoolSize(elements)
	bytes := int64(size) * 8

	mm.mu.Lock()
	pool := mm.getOrCreatePool(PoolKey{Size: size, Device: mm.device})
	data, reused := pool.tryGet()
	if reused {
		mm.cached -= bytes
	} else {
		if mm.limit > 0 && mm.inUse+mm.cached+bytes > mm.limit {
			mm.trimLocked()
		}
		if mm.limit > 0 && mm.inUse+bytes > mm.limit {
			mm.failed++
			mm.mu.Unlock()
			return nil, fmt.Errorf("allocate %s (%d bytes, %d in use, limit %d): %w",
				label, bytes, mm.inUse, mm.limit, ErrOutOfMemory)
		}
	}
	mm.inUse += bytes
	if mm.inUse > mm.peak {
		mm.peak = mm.inUse
	}
	mm.allocs++
	mm.mu.Unlock()

	if reused {
		for i := range data {
			data[i] = 0
		}
	} else {
		data = make([]float64, size)
	}

	return newBuffer(label, data[:elements], mm), nil
}

// release returns a buffer's storage to its pool.
func (mm *MemoryManager) release(data []float64) {
	size := cap(data)
	bytes := int64(size) * 8

	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.inUse -= bytes
	pool, exists := mm.pools[PoolKey{Size: size, Device: mm.device}]
	if exists && pool.tryPut(data[:size]) {
		mm.cached += bytes
	}
}

// Trim drops every idle pooled buffer.
func (mm *MemoryManager) Trim() {
	mm.mu.Lock()
	mm.trimLocked()
	mm.mu.Unlock()
}

func (mm *MemoryManager) trimLocked() {
	for key, pool := range mm.pools {
		dropped := pool.drain()
		mm.cached -= int64(dropped) * int64(key.Size) * 8
	}
}

// findPoolSize finds the smallest pool size that can accommodate the
// request. A budgeted manager pools by exact size so that only the
// requested bytes count against the limit.
func (mm *MemoryManager) findPoolSize(elements int) int {
	if mm.limit > 0 {
		return elements
	}
	for _, poolSize := range mm.sizes {
		if poolSize >= elements {
			return poolSize
		}
	}
	return elements
}

// getOrCreatePool must be called with mm.mu held.
func (mm *MemoryManager) getOrCreatePool(key PoolKey) *BufferPool {
	if pool, exists := mm.pools[key]; exists {
		return pool
	}
	pool := NewBufferPool(key.Size, calculateMaxPoolSize(key.Size), key.Device)
	mm.pools[key] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of idle buffers kept
func calculateMaxPoolSize(elements int) int {
	switch {
	case elements <= 512:
		return 100
	case elements <= 8192:
		return 50
	case elements <= 131072:
		return 20
	case elements <= 2097152:
		return 10
	default:
		return 2
	}
}

// Stats describes a manager's usage.
type Stats struct {
	Device      DeviceType
	InUseBytes  int64
	CachedBytes int64
	PeakBytes   int64
	LimitBytes  int64
	Allocations int64
	Failures    int64
}

// Stats returns memory manager statistics
func (mm *MemoryManager) Stats() Stats {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return Stats{
		Device:      mm.device,
		InUseBytes:  mm.inUse,
		CachedBytes: mm.cached,
		PeakBytes:   mm.peak,
		LimitBytes:  mm.limit,
		Allocations: mm.allocs,
		Failures:    mm.failed,
	}
}

// PoolStats returns the idle buffer count per pool.
func (mm *MemoryManager) PoolStats() map[PoolKey]string {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	stats := make(map[PoolKey]string)
	for key, pool := range mm.pools {
		available, maxSize := pool.Stats()
		stats[key] = fmt.Sprintf("available=%d, max=%d", available, maxSize)
	}
	return stats
}
