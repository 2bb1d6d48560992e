package copier

import "sync"

// bufferPool hands out reusable byte slices for the ReadThenWrite method,
// so no per-operation allocation happens on the hot path.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *bufferPool) get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:p.size]
}

func (p *bufferPool) put(b []byte) {
	b = b[:cap(b)]
	p.pool.Put(&b)
}
