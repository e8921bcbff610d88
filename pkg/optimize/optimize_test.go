package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(64, 1024)

	buf := pool.Get()
	buf.WriteString("jpeg bytes")
	pool.Put(buf)

	buf2 := pool.Get()
	assert.Equal(t, 0, buf2.Len(), "pooled buffers come back reset")
}

func TestBufferPool_DropsOversized(t *testing.T) {
	pool := NewBufferPool(8, 16)

	buf := pool.Get()
	buf.Write(make([]byte, 64))
	pool.Put(buf)
	pool.Put(nil)

	assert.LessOrEqual(t, pool.Get().Cap(), 64)
}
