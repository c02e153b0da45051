package hybridpool

import (
	"sync/atomic"
	"unsafe"

	"github.com/yireyun/go-hybridpool/shm"
)

// Names of the objects the cooperating processes resolve in the shared
// segment. Part of the ABI; all attached processes must agree on them.
const (
	PoolNameCPU            = "MemoryPool"
	PoolNameGPU            = "MemoryPoolGPU"
	PoolNameGPUDeviceLocal = "MemoryPoolGPUDeviceLocal"
	AuditorName            = "Auditor"
)

const bucketCount = 512

// bucket heads one size's free list. size==0 marks an unclaimed slot;
// a claimed slot keeps its size even when the list drains, so the
// free-list-per-size exists from first request until pool teardown.
type bucket struct {
	size uint64
	head uint64
}

// poolShared is the per-pool record living in the segment. buckets is
// the size-keyed free-list table ("buffers"); the intrusive list through
// sharedRec.nextAll rooted at allHead is the allocation registry
// ("sizes"); allocated is the byte sum charged against the budget.
//
// buffersMu guards buckets and the nextFree links; sizesMu guards
// allHead, the nextAll links and allocated. Both are cross-process.
type poolShared struct {
	buffersMu uint64
	sizesMu   uint64
	allocated uint64
	allHead   uint64
	buckets   [bucketCount]bucket
}

// sharedRec heads every allocation a pool hands out. For CPU buffers the
// payload follows the record in the same segment block; for GPU buffers
// the record is the whole block and the payload lives behind gpuHandle.
// refcnt is the cross-process reference count; nextFree threads the
// record into its size's free list while unreferenced.
type sharedRec struct {
	size      uint64
	refcnt    int64
	nextFree  uint64
	nextAll   uint64
	gpuHandle uint64
	originPid uint64
	memType   uint32
	_         uint32
}

const recHdrSize = int(unsafe.Sizeof(sharedRec{}))

const poolSharedSize = int(unsafe.Sizeof(poolShared{}))

// sharedPool is one process's view of a named pool object.
type sharedPool struct {
	seg  *shm.Segment
	aud  *auditor
	name string
	hdr  *poolShared
}

func attachPool(seg *shm.Segment, aud *auditor, name string) (*sharedPool, error) {
	h, _, err := seg.FindOrCreate(name, poolSharedSize)
	if err != nil {
		return nil, err
	}
	return &sharedPool{
		seg:  seg,
		aud:  aud,
		name: name,
		hdr:  (*poolShared)(seg.Ptr(h)),
	}, nil
}

func (sp *sharedPool) buffersMutex() shm.Mutex { return shm.NewMutex(&sp.hdr.buffersMu) }
func (sp *sharedPool) sizesMutex() shm.Mutex   { return shm.NewMutex(&sp.hdr.sizesMu) }

// lockBuffers / lockSizes acquire the pool mutexes, invalidating the
// region if the lock had to be reclaimed from a dead owner.
func (sp *sharedPool) lockBuffers() {
	if err := sp.buffersMutex().Lock(); err != nil {
		sp.aud.invalidate()
	}
}

func (sp *sharedPool) lockSizes() {
	if err := sp.sizesMutex().Lock(); err != nil {
		sp.aud.invalidate()
	}
}

func (sp *sharedPool) rec(off shm.Handle) *sharedRec {
	return (*sharedRec)(sp.seg.Ptr(off))
}

func (sp *sharedPool) allocatedBytes() uint64 {
	return atomic.LoadUint64(&sp.hdr.allocated)
}

// bucketFor claims or finds the free-list head for size. Caller holds
// buffersMu. Returns nil if the table is full.
func (sp *sharedPool) bucketFor(size uint64) *bucket {
	idx := size % bucketCount
	for i := 0; i < bucketCount; i++ {
		b := &sp.hdr.buckets[(idx+uint64(i))%bucketCount]
		if b.size == size {
			return b
		}
		if b.size == 0 {
			b.size = size
			b.head = 0
			return b
		}
	}
	return nil
}

// popFreeLocked pops the most recently freed buffer of the given size.
// Caller holds buffersMu.
func (sp *sharedPool) popFreeLocked(size uint64) (shm.Handle, bool) {
	b := sp.bucketFor(size)
	if b == nil || b.head == 0 {
		return 0, false
	}
	off := shm.Handle(b.head)
	rec := sp.rec(off)
	b.head = rec.nextFree
	rec.nextFree = 0
	return off, true
}

// popOwnLocked pops the first free buffer of the given size whose origin
// is pid. Foreign-origin entries are skipped: their handles would need
// re-duplication, which costs more than allocating fresh. Caller holds
// buffersMu.
func (sp *sharedPool) popOwnLocked(size, pid uint64) (shm.Handle, bool) {
	b := sp.bucketFor(size)
	if b == nil {
		return 0, false
	}
	var prev *sharedRec
	off := b.head
	for off != 0 {
		rec := sp.rec(shm.Handle(off))
		if rec.originPid == pid {
			if prev == nil {
				b.head = rec.nextFree
			} else {
				prev.nextFree = rec.nextFree
			}
			rec.nextFree = 0
			return shm.Handle(off), true
		}
		prev = rec
		off = rec.nextFree
	}
	return 0, false
}

// pushFreeLocked prepends off to its size's free list. Caller holds
// buffersMu. Reports false if the bucket table is full, in which case
// the record stays registered but unrecyclable.
func (sp *sharedPool) pushFreeLocked(off shm.Handle) bool {
	rec := sp.rec(off)
	b := sp.bucketFor(rec.size)
	if b == nil {
		return false
	}
	rec.nextFree = b.head
	b.head = uint64(off)
	return true
}

// registerLocked links a fresh record into the allocation registry and
// charges its size. Caller holds sizesMu.
func (sp *sharedPool) registerLocked(off shm.Handle) {
	rec := sp.rec(off)
	rec.nextAll = sp.hdr.allHead
	sp.hdr.allHead = uint64(off)
	sp.hdr.allocated += rec.size
}

// unregisterLocked unlinks a record from the registry and refunds its
// size. Caller holds sizesMu.
func (sp *sharedPool) unregisterLocked(off shm.Handle) {
	var prev *sharedRec
	cur := sp.hdr.allHead
	for cur != 0 {
		rec := sp.rec(shm.Handle(cur))
		if cur == uint64(off) {
			if prev == nil {
				sp.hdr.allHead = rec.nextAll
			} else {
				prev.nextAll = rec.nextAll
			}
			rec.nextAll = 0
			sp.hdr.allocated -= rec.size
			return
		}
		prev = rec
		cur = rec.nextAll
	}
}

// reclaim returns an unreferenced buffer to its free list. This is the
// last-drop path: it never refunds allocated and never frees segment
// memory; both happen only at pool teardown.
func (sp *sharedPool) reclaim(off shm.Handle) {
	sp.lockBuffers()
	defer sp.buffersMutex().Unlock()
	sp.pushFreeLocked(off)
}

// freeListLen counts the free-listed buffers of one size.
func (sp *sharedPool) freeListLen(size uint64) int {
	sp.lockBuffers()
	defer sp.buffersMutex().Unlock()
	b := sp.bucketFor(size)
	if b == nil {
		return 0
	}
	n := 0
	for off := b.head; off != 0; off = sp.rec(shm.Handle(off)).nextFree {
		n++
	}
	return n
}

// freeListTotal counts free-listed buffers across all sizes.
func (sp *sharedPool) freeListTotal() int {
	sp.lockBuffers()
	defer sp.buffersMutex().Unlock()
	n := 0
	for i := range sp.hdr.buckets {
		b := &sp.hdr.buckets[i]
		if b.size == 0 {
			continue
		}
		for off := b.head; off != 0; off = sp.rec(shm.Handle(off)).nextFree {
			n++
		}
	}
	return n
}

// registrySum walks the allocation registry and sums record sizes.
// Test/diagnostic helper for the allocated == Σ sizes invariant.
func (sp *sharedPool) registrySum() uint64 {
	sp.lockSizes()
	defer sp.sizesMutex().Unlock()
	var sum uint64
	for off := sp.hdr.allHead; off != 0; off = sp.rec(shm.Handle(off)).nextAll {
		sum += sp.rec(shm.Handle(off)).size
	}
	return sum
}

// A SharedRef is the cross-process reference-counted wrapper around a
// pooled allocation. Each SharedRef owns one count; Release drops it,
// and the last drop anywhere returns the allocation to its free list.
// Obtain one from Convert (borrowed, do not Release), GetBufferDirect,
// or Import (owned, Release when done).
type SharedRef struct {
	sp       *sharedPool
	off      shm.Handle
	released atomic.Bool
}

func (r *SharedRef) rec() *sharedRec { return r.sp.rec(r.off) }

// Size reports the payload size of the referenced allocation.
func (r *SharedRef) Size() uint64 {
	if r == nil {
		return 0
	}
	return r.rec().size
}

func (r *SharedRef) incref() {
	atomic.AddInt64(&r.rec().refcnt, 1)
}

// Release drops this reference. Idempotent per SharedRef.
func (r *SharedRef) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	if atomic.AddInt64(&r.rec().refcnt, -1) == 0 {
		r.sp.reclaim(r.off)
	}
}

// A Token is the process-independent form of a SharedRef, safe to send
// to a cooperating process over any transport. The sender must keep its
// SharedRef alive until the receiver has imported the token.
type Token struct {
	Pool string
	Off  uint64
}

// Token exports the reference for transfer to another process.
func (r *SharedRef) Token() Token {
	if r == nil {
		return Token{}
	}
	return Token{Pool: r.sp.name, Off: uint64(r.off)}
}
