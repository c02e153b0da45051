package hybridpool

import (
	"sync/atomic"

	"github.com/yireyun/go-hybridpool/shm"
)

// RequestSHM returns a buffer of exactly n bytes drawn from or appended
// to the shared CPU pool. Returns nil when the budget would be exceeded
// or the region is invalid; callers wanting a guaranteed buffer use
// GetBuffer, which falls back to local memory.
func (p *Pool) RequestSHM(n int) *CpuBuffer {
	ref, data := p.requestShared(n)
	if ref == nil {
		return nil
	}
	p.mu.Lock()
	p.ptrs[ref.off] = ref
	p.mu.Unlock()
	return &CpuBuffer{data: data, h: ref.off, pool: p}
}

// requestShared satisfies a CPU request from the free list (LIFO, for
// cache warmth) or by carving a fresh block out of the segment. The
// returned ref holds the single reference to the allocation.
func (p *Pool) requestShared(n int) (*SharedRef, []byte) {
	if n <= 0 {
		return nil, nil
	}
	if !p.usable() {
		p.warnf("cpu-invalid", "shared CPU request on invalid region", "size", n)
		return nil, nil
	}
	sp := p.cpu
	size := uint64(n)

	sp.lockBuffers()
	off, ok := sp.popFreeLocked(size)
	sp.buffersMutex().Unlock()

	if !ok {
		sp.lockSizes()
		if sp.hdr.allocated+size < p.cpuCap {
			h, err := p.seg.Alloc(recHdrSize + n)
			if err != nil {
				sp.sizesMutex().Unlock()
				p.warnf("cpu-segment", "segment allocation failed",
					"size", n, "error", err)
				return nil, nil
			}
			rec := sp.rec(h)
			*rec = sharedRec{size: size}
			sp.registerLocked(h)
			off, ok = h, true
		}
		sp.sizesMutex().Unlock()
		if !ok {
			p.warnf("cpu-budget", "CPU pool budget exhausted",
				"size", n, "allocated", sp.allocatedBytes(), "cap", p.cpuCap)
			return nil, nil
		}
	}

	rec := sp.rec(off)
	atomic.StoreInt64(&rec.refcnt, 1)
	ref := &SharedRef{sp: sp, off: off}
	return ref, p.seg.Bytes(off+shm.Handle(recHdrSize), n)
}

// GetBuffer is the stream-gated request path: shared pool for unknown or
// active streams, process-local memory for gated-off streams, and local
// fallback whenever the shared request fails.
func (p *Pool) GetBuffer(stream StreamID, n int) *CpuBuffer {
	if n <= 0 {
		return nil
	}
	if p.streamShared(stream) {
		if b := p.RequestSHM(n); b != nil {
			return b
		}
		p.warnf("cpu-fallback", "falling back to local allocation",
			"stream", string(stream), "size", n)
	}
	return &CpuBuffer{data: p.local.Get(n), pool: p, local: true}
}

// GetBufferDirect returns the cross-process wrapper for a fresh shared
// allocation, bypassing the local buffer handle. The caller owns the
// returned reference and must Release it.
func (p *Pool) GetBufferDirect(n int) *SharedRef {
	ref, _ := p.requestShared(n)
	return ref
}

// Convert returns the shared wrapper behind a pooled buffer, nil for
// local-fallback buffers or buffers this pool does not know. The result
// is borrowed: it stays valid while b is unreleased and must not be
// Released by the caller.
func (p *Pool) Convert(b *CpuBuffer) *SharedRef {
	if b == nil || b.local {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptrs[b.h]
}

// IsFromPool reports whether b came from the shared pool.
func (p *Pool) IsFromPool(b *CpuBuffer) bool { return p.Convert(b) != nil }

// CreateLocal materializes a local buffer for a shared CPU allocation
// received from another process. The passed reference remains owned by
// the caller. Returns nil if the allocation is already held locally.
func (p *Pool) CreateLocal(ref *SharedRef) *CpuBuffer {
	if ref == nil || !p.usable() {
		return nil
	}
	sp := p.poolByName(ref.sp.name)
	if sp != p.cpu {
		return nil
	}
	own := &SharedRef{sp: sp, off: ref.off}
	own.incref()
	p.mu.Lock()
	if _, exists := p.ptrs[ref.off]; exists {
		p.mu.Unlock()
		own.Release()
		p.warnf("cpu-createlocal", "buffer already held locally", "offset", uint64(ref.off))
		return nil
	}
	p.ptrs[ref.off] = own
	p.mu.Unlock()
	n := int(own.rec().size)
	return &CpuBuffer{
		data: p.seg.Bytes(ref.off+shm.Handle(recHdrSize), n),
		h:    ref.off,
		pool: p,
	}
}

// Import adopts a Token produced by SharedRef.Token in another process.
// The returned reference is owned by the caller. The sender must still
// hold its reference when Import runs.
func (p *Pool) Import(tok Token) *SharedRef {
	sp := p.poolByName(tok.Pool)
	if sp == nil || tok.Off == 0 {
		return nil
	}
	ref := &SharedRef{sp: sp, off: shm.Handle(tok.Off)}
	ref.incref()
	return ref
}

// destroyLocalCPU is the CpuBuffer deleter: erase the local cache entry
// and drop its reference, which on last drop returns the allocation to
// the free list.
func (p *Pool) destroyLocalCPU(h shm.Handle) {
	p.mu.Lock()
	ref := p.ptrs[h]
	delete(p.ptrs, h)
	p.mu.Unlock()
	ref.Release()
}
