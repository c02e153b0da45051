package hybridpool

import (
	"sync/atomic"

	"github.com/yireyun/go-hybridpool/shm"
)

// StreamID identifies a data stream for gating purposes. Compared by
// value; the pool attaches no other meaning to it.
type StreamID string

// GpuBufferData describes a GPU allocation as seen by one process. The
// Handle is only meaningful in the process that allocated or duplicated
// it; the shared-memory record additionally carries the origin PID.
type GpuBufferData struct {
	Handle          uint64
	Size            uint64
	MemoryTypeIndex uint32
}

// A CpuBuffer is a locally-owned handle over a byte buffer drawn from
// the shared pool or from the process-local fallback allocator. Release
// must be called exactly once when done; for pooled buffers it drops the
// local reference, which returns the shared allocation to its free list
// once no process holds it.
type CpuBuffer struct {
	data     []byte
	h        shm.Handle
	pool     *Pool
	local    bool
	released atomic.Bool
}

// Bytes returns the buffer contents. Valid until Release.
func (b *CpuBuffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len reports the buffer size in bytes.
func (b *CpuBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Release drops this local handle. Idempotent.
func (b *CpuBuffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	if b.local {
		b.pool.local.Put(b.data)
		return
	}
	b.pool.destroyLocalCPU(b.h)
}

// A GpuBuffer is a locally-owned handle over a GPU allocation. Data
// always refers to a handle valid in the local process (duplicated from
// the origin process if necessary). For host-visible allocations CPUView
// returns the mapped bytes; for device-local ones it is nil.
type GpuBuffer struct {
	Data     *GpuBufferData
	view     []byte
	pool     *Pool
	released atomic.Bool
}

// CPUView returns the host mapping of the allocation, nil for
// device-local memory.
func (b *GpuBuffer) CPUView() []byte {
	if b == nil {
		return nil
	}
	return b.view
}

// Release drops this local handle. Idempotent. The duplicated OS handle,
// if any, stays cached until the pool detaches.
func (b *GpuBuffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	b.pool.destroyLocalGPU(b.Data.Handle)
}
