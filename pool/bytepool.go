// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync"

// BytePool hands out fixed-size byte slices backed by sync.Pool.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = 4096
	}
	bp := &BytePool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of buffers returned by GetBuffer.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer of exactly Size bytes.
func (b *BytePool) GetBuffer() []byte {
	return *(b.pool.Get().(*[]byte))
}

// PutBuffer returns a buffer to the pool. Foreign-sized slices are dropped.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}

var (
	sharedMu    sync.Mutex
	sharedPools = map[int]*BytePool{}
)

// Shared returns a process-wide pool for the given buffer size so that
// connections with equal settings reuse the same storage.
func Shared(size int) *BytePool {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	bp, ok := sharedPools[size]
	if !ok {
		bp = NewBytePool(size)
		sharedPools[size] = bp
	}
	return bp
}
