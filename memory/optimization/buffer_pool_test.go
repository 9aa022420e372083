package optimization

import (
	"strings"
	"sync"
	"testing"
)

func TestRoundUpToPowerOf2(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, 1},
		{1, 1},
		{3, 4},
		{8, 8},
		{9, 16},
		{100, 128},
		{1025, 2048},
	}

	for _, test := range tests {
		result := roundUpToPowerOf2(test.input)
		if result != test.expected {
			t.Errorf("roundUpToPowerOf2(%d) = %d; expected %d",
				test.input, result, test.expected)
		}
	}
}

func TestBufferPoolGetPutCycle(t *testing.T) {
	pool := NewBufferPool()

	buf := pool.GetFloat64Buffer(100)
	if len(buf) != 100 {
		t.Fatalf("len = %d, want 100", len(buf))
	}
	if cap(buf) != 128 {
		t.Errorf("cap = %d, want 128", cap(buf))
	}
	for i := range buf {
		buf[i] = float64(i)
	}
	pool.PutFloat64Buffer(buf)

	stats := pool.Stats()[128]
	if stats.Gets != 1 || stats.Puts != 1 || stats.InUse != 0 || stats.MaxInUse != 1 {
		t.Errorf("stats = %+v", stats)
	}

	again := pool.GetFloat64Buffer(128)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("buffer not cleared at %d: %g", i, v)
		}
	}
}

func TestBufferPoolIgnoresForeignSlices(t *testing.T) {
	pool := NewBufferPool()
	pool.PutFloat64Buffer(nil)
	pool.PutFloat64Buffer(make([]float64, 100))
	if len(pool.Stats()) != 0 {
		t.Errorf("foreign slices should not create pools: %v", pool.Stats())
	}
}

func TestBufferPoolConcurrentAccess(t *testing.T) {
	pool := NewBufferPool()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf := pool.GetFloat64Buffer(16 + g)
				buf[0] = float64(i)
				pool.PutFloat64Buffer(buf)
			}
		}(g)
	}
	wg.Wait()

	for size, stats := range pool.Stats() {
		if stats.InUse != 0 {
			t.Errorf("size %d InUse = %d, want 0", size, stats.InUse)
		}
	}
}

func TestBufferPoolString(t *testing.T) {
	pool := NewBufferPool()
	pool.PutFloat64Buffer(pool.GetFloat64Buffer(4))
	if !strings.Contains(pool.String(), "Size 4: Gets=1, Puts=1") {
		t.Errorf("String() = %q", pool.String())
	}
}
