// Package pool provides byte-buffer pooling for copying native result
// buffers into Go memory.
//
// Every serialized result crosses the native boundary as a buffer that must
// be copied out before it is released. Reusing the destination slices keeps
// that copy from allocating on every query.
//
// Usage:
//
//	buf := buffers.Get()
//	defer buffers.Put(buf)
//	*buf = lib.AppendBytes(*buf, nativeBuffer)
package pool

import (
	"sync"
	"sync/atomic"
)

// Default sizes for NewBufferPool.
const (
	DefaultInitialCap = 4 << 10
	DefaultMaxCap     = 1 << 20
)

// BufferPool hands out reusable byte slices. Slices that grew beyond maxCap
// are dropped on Put rather than retained.
type BufferPool struct {
	pool   sync.Pool
	maxCap int

	gets      atomic.Uint64
	allocs    atomic.Uint64
	discarded atomic.Uint64
}

// NewBufferPool creates a pool whose fresh buffers have initialCap capacity.
// Non-positive arguments select the defaults.
func NewBufferPool(initialCap, maxCap int) *BufferPool {
	if initialCap <= 0 {
		initialCap = DefaultInitialCap
	}
	if maxCap <= 0 {
		maxCap = DefaultMaxCap
	}
	p := &BufferPool{maxCap: maxCap}
	p.pool.New = func() any {
		p.allocs.Add(1)
		buf := make([]byte, 0, initialCap)
		return &buf
	}
	return p
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *[]byte {
	p.gets.Add(1)
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// Put returns buf to the pool. buf must not be used afterwards.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	if cap(*buf) > p.maxCap {
		p.discarded.Add(1)
		return
	}
	*buf = (*buf)[:0]
	p.pool.Put(buf)
}

// Stats reports pool usage.
type Stats struct {
	Gets      uint64 `json:"gets"`
	Allocs    uint64 `json:"allocs"`
	Discarded uint64 `json:"discarded"`
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() Stats {
	return Stats{Gets: p.gets.Load(), Allocs: p.allocs.Load(), Discarded: p.discarded.Load()}
}
