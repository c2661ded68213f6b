package exec

import (
	"sync"
)

// bufferClass is a size category for pooling.
type bufferClass int

const (
	// smallBuffer for slots < 4KB.
	smallBuffer bufferClass = iota
	// mediumBuffer for slots 4KB-1MB.
	mediumBuffer
	// largeBuffer for slots > 1MB.
	largeBuffer
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 64          // Max buffers per category
)

// PoolStats reports slot buffer reuse across executions.
type PoolStats struct {
	Allocated uint64
	Released  uint64
	Hits      uint64
	Misses    uint64
	Pooled    int
}

// bufferPool recycles slot memory between runs. Buffers are grouped by
// size category and handed out first-fit within a category.
type bufferPool struct {
	mu      sync.Mutex
	classes [3][][]byte
	stats   PoolStats
}

func newBufferPool() *bufferPool {
	p := &bufferPool{}
	for i := range p.classes {
		p.classes[i] = make([][]byte, 0, maxPoolSize)
	}
	return p
}

func classify(size int) bufferClass {
	if size < smallThreshold {
		return smallBuffer
	}
	if size < mediumThreshold {
		return mediumBuffer
	}
	return largeBuffer
}

// acquire returns a buffer of length size. Its contents are unspecified.
func (p *bufferPool) acquire(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := classify(size)
	pool := p.classes[class]
	for i, buf := range pool {
		if cap(buf) >= size {
			p.classes[class] = append(pool[:i], pool[i+1:]...)
			p.stats.Hits++
			return buf[:size]
		}
	}

	p.stats.Misses++
	p.stats.Allocated++
	return make([]byte, size)
}

// release returns buf to the pool. Buffers beyond the category limit are
// left to the garbage collector.
func (p *bufferPool) release(buf []byte) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Released++
	class := classify(cap(buf))
	if len(p.classes[class]) >= maxPoolSize {
		return
	}
	p.classes[class] = append(p.classes[class], buf[:cap(buf)])
}

// clear drops every pooled buffer.
func (p *bufferPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.classes {
		p.classes[i] = p.classes[i][:0]
	}
}

func (p *bufferPool) snapshot() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	for _, c := range p.classes {
		s.Pooled += len(c)
	}
	return s
}
