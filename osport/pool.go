package osport

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrPoolExhausted is returned by Get when every buffer is in use.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// slot is one fixed-size buffer of a pool. owner is the generation of the
// Buffer currently holding it, or zero while it is free.
type slot struct {
	data  []byte
	owner atomic.Uint64
}

// Buffer is one handout of a pooled byte buffer. Its owner must Release
// it exactly once. Further releases of the same handout are ignored, even
// after the underlying memory went to a new owner.
type Buffer struct {
	pool *Pool
	s    *slot
	gen  uint64
	n    int
}

// Bytes returns the buffer's content. Invalid after Release.
func (b *Buffer) Bytes() []byte {
	return b.s.data[:b.n]
}

// Len returns the content length.
func (b *Buffer) Len() int { return b.n }

// Release returns the buffer to its pool. Safe on nil.
func (b *Buffer) Release() {
	if b == nil || !b.s.owner.CompareAndSwap(b.gen, 0) {
		return
	}
	b.pool.free <- b.s
}

// Pool hands out a fixed number of fixed-size buffers and never allocates
// buffer memory after construction.
type Pool struct {
	size int
	free chan *slot
	gen  atomic.Uint64
}

// NewPool creates a pool of count buffers of size bytes each.
func NewPool(count, size int) (*Pool, error) {
	if count < 1 || size < 1 {
		return nil, fmt.Errorf("pool of %d buffers of %d bytes: must be positive", count, size)
	}
	p := &Pool{size: size, free: make(chan *slot, count)}
	for range count {
		p.free <- &slot{data: make([]byte, size)}
	}
	return p, nil
}

// Get returns a buffer holding n bytes.
func (p *Pool) Get(n int) (*Buffer, error) {
	if n < 0 || n > p.size {
		return nil, fmt.Errorf("buffer of %d bytes exceeds pool buffer size %d", n, p.size)
	}
	select {
	case s := <-p.free:
		gen := p.gen.Add(1)
		s.owner.Store(gen)
		return &Buffer{pool: p, s: s, gen: gen, n: n}, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Copy returns a buffer holding a copy of data.
func (p *Pool) Copy(data []byte) (*Buffer, error) {
	b, err := p.Get(len(data))
	if err != nil {
		return nil, err
	}
	copy(b.s.data, data)
	return b, nil
}

// Size returns the capacity of each buffer.
func (p *Pool) Size() int { return p.size }

// Available returns the number of free buffers.
func (p *Pool) Available() int { return len(p.free) }

// InUse returns the number of buffers handed out and not yet released.
func (p *Pool) InUse() int { return cap(p.free) - len(p.free) }
