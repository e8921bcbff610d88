package optimize

import (
	"bytes"
	"sync"
)

// BufferPool recycles bytes.Buffers used for frame encoding.
type BufferPool struct {
	pool    sync.Pool
	maxSize int
}

// NewBufferPool creates a buffer pool. Buffers that grew beyond maxSize
// are dropped instead of being returned to the pool.
func NewBufferPool(initialSize, maxSize int) *BufferPool {
	return &BufferPool{
		maxSize: maxSize,
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || (p.maxSize > 0 && buf.Cap() > p.maxSize) {
		return
	}
	p.pool.Put(buf)
}
