package hybridpool

import (
	"sync/atomic"

	"github.com/yireyun/go-hybridpool/shm"
)

// GetGPUBuffer returns a GPU buffer of n bytes from the host-visible or
// device-local shared pool. Returns nil when the graphics device is
// inactive, the budget would be exceeded, or the region is invalid.
//
// The fast path recycles only buffers this process originated: a handle
// exported by another process is an opaque token in that process's
// table, and re-duplicating it costs more than allocating fresh.
func (p *Pool) GetGPUBuffer(n uint64, deviceLocal bool) *GpuBuffer {
	if n == 0 || !p.dev.IsActive() {
		return nil
	}
	if !p.usable() {
		p.warnf("gpu-invalid", "GPU request on invalid region", "size", n)
		return nil
	}
	sp := p.gpu
	if deviceLocal {
		sp = p.gpuDL
	}

	sp.lockBuffers()
	off, ok := sp.popOwnLocked(n, p.pid)
	sp.buffersMutex().Unlock()

	if !ok {
		off, ok = p.allocGPU(sp, n, deviceLocal)
		if !ok {
			return nil
		}
	}

	rec := sp.rec(off)
	handle := rec.gpuHandle

	var view []byte
	if !deviceLocal {
		view = p.mapGPU(handle, rec.size, rec.memType)
	}

	atomic.StoreInt64(&rec.refcnt, 1)
	ref := &SharedRef{sp: sp, off: off}
	p.mu.Lock()
	p.handles[handle] = ref
	p.mu.Unlock()

	return &GpuBuffer{
		Data: &GpuBufferData{Handle: handle, Size: rec.size, MemoryTypeIndex: rec.memType},
		view: view,
		pool: p,
	}
}

// allocGPU is the pool-miss slow path: charge the budget, allocate fresh
// device memory, and register the shared record. The new buffer goes
// straight into use, never onto the free list.
func (p *Pool) allocGPU(sp *sharedPool, n uint64, deviceLocal bool) (shm.Handle, bool) {
	sp.lockSizes()
	if sp.hdr.allocated+n >= p.cfg.GPUBudget {
		sp.sizesMutex().Unlock()
		p.warnf("gpu-budget", "GPU pool budget exhausted",
			"pool", sp.name, "size", n, "allocated", sp.hdr.allocated)
		return 0, false
	}
	handle, memType, err := p.dev.Alloc(n, deviceLocal)
	if err != nil || handle == 0 {
		sp.sizesMutex().Unlock()
		p.warnf("gpu-alloc", "device allocation failed",
			"pool", sp.name, "size", n, "error", err)
		return 0, false
	}
	off, err := p.seg.Alloc(recHdrSize)
	if err != nil {
		sp.sizesMutex().Unlock()
		p.dev.Free(handle)
		p.warnf("gpu-segment", "segment allocation failed",
			"pool", sp.name, "size", n, "error", err)
		return 0, false
	}
	rec := sp.rec(off)
	*rec = sharedRec{
		size:      n,
		gpuHandle: handle,
		originPid: p.pid,
		memType:   memType,
	}
	sp.registerLocked(off)
	sp.sizesMutex().Unlock()
	return off, true
}

// mapGPU returns the cached CPU view of a local handle, mapping it on
// first use. Views persist until detach.
func (p *Pool) mapGPU(handle, n uint64, memType uint32) []byte {
	p.mu.Lock()
	if view, ok := p.mapped[handle]; ok {
		p.mu.Unlock()
		return view
	}
	p.mu.Unlock()
	view, err := p.dev.Map(handle, n, memType)
	if err != nil {
		p.warnf("gpu-map", "mapping GPU memory failed", "handle", handle, "error", err)
		return nil
	}
	p.mu.Lock()
	p.mapped[handle] = view
	p.mu.Unlock()
	return view
}

// CreateLocalGPU materializes a local buffer for a GPU allocation whose
// record was received from another process: the external-memory handle
// is duplicated into this process (cached for reuse), mapped if
// host-visible, and tracked in the local handle cache. The passed
// reference remains owned by the caller.
func (p *Pool) CreateLocalGPU(ref *SharedRef) *GpuBuffer {
	if ref == nil || !p.dev.IsActive() || !p.usable() {
		return nil
	}
	sp := p.poolByName(ref.sp.name)
	if sp != p.gpu && sp != p.gpuDL {
		return nil
	}
	rec := ref.rec()

	handle := rec.gpuHandle
	if rec.originPid != p.pid {
		var ok bool
		p.mu.Lock()
		handle, ok = p.dupped[rec.gpuHandle]
		p.mu.Unlock()
		if !ok {
			dup, err := p.dev.Dup(rec.originPid, rec.gpuHandle)
			if err != nil {
				p.warnf("gpu-dup", "handle duplication failed",
					"origin", rec.originPid, "handle", rec.gpuHandle, "error", err)
				return nil
			}
			p.mu.Lock()
			p.dupped[rec.gpuHandle] = dup
			p.mu.Unlock()
			handle = dup
		}
	}

	var view []byte
	if sp == p.gpu {
		view = p.mapGPU(handle, rec.size, rec.memType)
	}

	own := &SharedRef{sp: sp, off: ref.off}
	own.incref()
	p.mu.Lock()
	if _, exists := p.handles[handle]; exists {
		p.mu.Unlock()
		own.Release()
		p.warnf("gpu-createlocal", "GPU buffer already held locally", "handle", handle)
		return nil
	}
	p.handles[handle] = own
	p.mu.Unlock()

	return &GpuBuffer{
		Data: &GpuBufferData{Handle: handle, Size: rec.size, MemoryTypeIndex: rec.memType},
		view: view,
		pool: p,
	}
}

// ConvertGPU returns the shared wrapper behind a pooled GPU buffer, nil
// if unknown. Borrowed, like Convert.
func (p *Pool) ConvertGPU(b *GpuBuffer) *SharedRef {
	if b == nil || b.Data == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[b.Data.Handle]
}

// IsFromPoolGPU reports whether b came from a shared GPU pool.
func (p *Pool) IsFromPoolGPU(b *GpuBuffer) bool { return p.ConvertGPU(b) != nil }

// destroyLocalGPU is the GpuBuffer deleter.
func (p *Pool) destroyLocalGPU(handle uint64) {
	p.mu.Lock()
	ref := p.handles[handle]
	delete(p.handles, handle)
	p.mu.Unlock()
	ref.Release()
}
