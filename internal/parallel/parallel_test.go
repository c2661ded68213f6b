package parallel

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig().WithWorkers(4)

	var counter int64
	n := 1000

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func TestForBlocksCoversRange(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 3, MinChunkSize: 10}

	var mu sync.Mutex
	var blocks [][2]int
	ForBlocks(95, func(s, e int) {
		mu.Lock()
		blocks = append(blocks, [2]int{s, e})
		mu.Unlock()
	}, cfg)

	sort.Slice(blocks, func(i, j int) bool { return blocks[i][0] < blocks[j][0] })
	next := 0
	for _, b := range blocks {
		if b[0] != next {
			t.Fatalf("gap or overlap at %d: block %v", next, b)
		}
		next = b[1]
	}
	if next != 95 {
		t.Errorf("Expected coverage up to 95, got %d", next)
	}
	if len(blocks) < 2 {
		t.Errorf("Expected work to be split, got %d block(s)", len(blocks))
	}
}

func TestFor_Sequential(t *testing.T) {
	cfg := Sequential()

	calls := 0
	ForBlocks(100, func(s, e int) {
		calls++
		if s != 0 || e != 100 {
			t.Errorf("Expected single block [0,100), got [%d,%d)", s, e)
		}
	}, cfg)

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestFor_SmallChunk(t *testing.T) {
	// Small work units fall back to sequential.
	cfg := DefaultConfig()

	var counter int64
	n := cfg.MinChunkSize - 1

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func TestForBlocks_Empty(t *testing.T) {
	ForBlocks(0, func(_, _ int) {
		t.Error("f must not be called for n == 0")
	}, DefaultConfig())
}

func BenchmarkFor(b *testing.B) {
	cfg := DefaultConfig()
	n := 10000

	b.Run("parallel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfg)
		}
	})

	b.Run("sequential", func(b *testing.B) {
		cfgSeq := cfg
		cfgSeq.Enabled = false
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfgSeq)
		}
	})
}
