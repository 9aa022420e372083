package memory

import (
	"fmt"
	"sync/atomic"
)

// DeviceType represents where buffer data resides
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// Buffer is a reference-counted float64 allocation owned by a
// MemoryManager.
type Buffer struct {
	Label    string
	Data     []float64
	owner    *MemoryManager
	refCount *int32
	gen      uint64
}

var globalGeneration uint64

func newBuffer(label string, data []float64, owner *MemoryManager) *Buffer {
	refCount := int32(1)
	return &Buffer{
		Label:    label,
		Data:     data,
		owner:    owner,
		refCount: &refCount,
		gen:      atomic.AddUint64(&globalGeneration, 1),
	}
}

// Device returns where the buffer lives.
func (b *Buffer) Device() DeviceType {
	if b.owner == nil {
		return CPU
	}
	return b.owner.device
}

// Len returns the number of elements.
func (b *Buffer) Len() int {
	return len(b.Data)
}

// Retain increments the reference count and returns the same buffer
func (b *Buffer) Retain() *Buffer {
	if b.refCount == nil {
		panic("buffer already released")
	}
	atomic.AddInt32(b.refCount, 1)
	return b
}

// Release decrements the reference count and returns storage to the owner's
// pool when it reaches 0
func (b *Buffer) Release() {
	if b == nil || b.refCount == nil {
		return
	}
	if atomic.AddInt32(b.refCount, -1) == 0 {
		if b.owner != nil && b.Data != nil {
			b.owner.release(b.Data)
		}
		b.Data = nil
		b.refCount = nil
	}
}

// Released reports whether the buffer has been returned to its owner.
func (b *Buffer) Released() bool {
	return b.refCount == nil
}

// RefCount returns the current reference count
func (b *Buffer) RefCount() int32 {
	if b.refCount == nil {
		return 0
	}
	return atomic.LoadInt32(b.refCount)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{label: %s, len: %d, device: %s, refs: %d, gen: %d}",
		b.Label, len(b.Data), b.Device(), b.RefCount(), b.gen)
}
