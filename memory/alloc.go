package memory

import (
	"errors"
	"strconv"

	"github.com/sirupsen/logrus"

	svmerrors "github.com/tsawler/go-spsvm/errors"
)

// AllocStatus is the outcome of one sized allocation attempt.
type AllocStatus int

const (
	// AllocSuccess means the buffer was allocated at the requested capacity.
	AllocSuccess AllocStatus = iota
	// AllocRetry means the attempt failed and a halved capacity should be tried.
	AllocRetry
	// AllocExhausted means the capacity cannot shrink any further.
	AllocExhausted
)

func (s AllocStatus) String() string {
	switch s {
	case AllocSuccess:
		return "success"
	case AllocRetry:
		return "retry"
	case AllocExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ShrinkRequest describes an allocation sized by a capacity that may be
// halved under memory pressure.
type ShrinkRequest struct {
	Label    string
	Capacity int
	Floor    int                    // smallest acceptable capacity, at least 1
	Elements func(capacity int) int // buffer size for a capacity
}

// Allocator hands out working buffers sized by a shrinkable capacity.
// MemoryManager and ResourceManager both implement it.
type Allocator interface {
	AllocateShrinking(req ShrinkRequest, log *logrus.Entry) (*Buffer, int, error)
}

// AllocResult carries the status of an attempt, the buffer on success and
// the capacity to try next on retry.
type AllocResult struct {
	Status   AllocStatus
	Buffer   *Buffer
	Capacity int
	Err      error
}

// TryAllocate makes a single attempt at req.Capacity.
func (mm *MemoryManager) TryAllocate(req ShrinkRequest) AllocResult {
	floor := req.Floor
	if floor < 1 {
		floor = 1
	}
	if req.Capacity < floor {
		return AllocResult{
			Status: AllocExhausted,
			Err:    svmerrors.OutOfMemory(req.Label, ErrOutOfMemory).WithContext("capacity", strconv.Itoa(req.Capacity)),
		}
	}

	buf, err := mm.Allocate(req.Label, req.Elements(req.Capacity))
	if err == nil {
		return AllocResult{Status: AllocSuccess, Buffer: buf, Capacity: req.Capacity}
	}
	if !errors.Is(err, ErrOutOfMemory) {
		return AllocResult{Status: AllocExhausted, Err: err}
	}

	next := req.Capacity / 2
	if next < floor {
		return AllocResult{
			Status:   AllocExhausted,
			Capacity: req.Capacity,
			Err:      svmerrors.OutOfMemory(req.Label, err).WithContext("capacity", strconv.Itoa(req.Capacity)),
		}
	}
	return AllocResult{Status: AllocRetry, Capacity: next, Err: err}
}

// AllocateShrinking halves the capacity after every out-of-memory failure
// until an attempt succeeds or the floor is passed. It returns the buffer
// and the capacity it was allocated at.
func (mm *MemoryManager) AllocateShrinking(req ShrinkRequest, log *logrus.Entry) (*Buffer, int, error) {
	for {
		res := mm.TryAllocate(req)
		switch res.Status {
		case AllocSuccess:
			return res.Buffer, res.Capacity, nil
		case AllocRetry:
			if log != nil {
				log.WithFields(logrus.Fields{
					"buffer":   req.Label,
					"from":     req.Capacity,
					"capacity": res.Capacity,
				}).Warn("Allocation failed, reducing capacity")
			}
			req.Capacity = res.Capacity
		default:
			return nil, 0, res.Err
		}
	}
}

var (
	_ Allocator = (*MemoryManager)(nil)
	_ Allocator = (*ResourceManager)(nil)
)
