package training

import (
	"fmt"
	"math/bits"
)

// ActiveSet is the ordered list of basis indices. Membership is tracked in
// a bitset sized to the dataset, so Contains and Add are O(1).
type ActiveSet struct {
	order []int
	words []uint64
	n     int
}

// NewActiveSet creates an empty set over indices [0, n).
func NewActiveSet(n int) *ActiveSet {
	return &ActiveSet{
		words: make([]uint64, (n+63)/64),
		n:     n,
	}
}

// Len returns the number of selected indices.
func (s *ActiveSet) Len() int {
	return len(s.order)
}

// Contains reports whether i has been selected.
func (s *ActiveSet) Contains(i int) bool {
	if i < 0 || i >= s.n {
		return false
	}
	return s.words[i>>6]&(1<<(uint(i)&63)) != 0
}

// Add appends i. Indices out of range or already present are rejected.
func (s *ActiveSet) Add(i int) error {
	if i < 0 || i >= s.n {
		return fmt.Errorf("active set: index %d out of range [0, %d)", i, s.n)
	}
	if s.Contains(i) {
		return fmt.Errorf("active set: index %d already selected", i)
	}
	s.words[i>>6] |= 1 << (uint(i) & 63)
	s.order = append(s.order, i)
	return nil
}

// FirstFree returns the smallest index not yet selected, or -1 when every
// index is taken.
func (s *ActiveSet) FirstFree() int {
	for w, word := range s.words {
		if word == ^uint64(0) {
			continue
		}
		i := w*64 + bits.TrailingZeros64(^word)
		if i < s.n {
			return i
		}
	}
	return -1
}

// Indices returns the selected indices in selection order. The slice is
// owned by the set and must not be modified.
func (s *ActiveSet) Indices() []int {
	return s.order
}

// Since returns the indices added after the first k.
func (s *ActiveSet) Since(k int) []int {
	return s.order[k:]
}
