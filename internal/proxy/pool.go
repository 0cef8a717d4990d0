package proxy

import "sync"

// copyBufferSize covers a full loopback segment, which is what the redirect
// listener receives from local applications.
const copyBufferSize = 64 << 10

var copyBuffers = newBufferPool(copyBufferSize)

// bufferPool hands out fixed-size buffers by pointer so Put does not
// allocate.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers that were resliced are dropped.
func (p *bufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != p.size {
		return
	}
	p.pool.Put(b)
}
