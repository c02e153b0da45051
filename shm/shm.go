// Package shm implements the managed shared-memory segment the hybrid
// buffer pool allocates from: a fixed-size mapping shared by cooperating
// processes, carrying a simple first-fit arena, a directory of named
// objects, and robust cross-process mutexes.
//
// Addresses of the mapping differ per process; Handles (byte offsets from
// the mapping base) do not, and are the only form in which locations are
// stored inside the segment itself.
package shm

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Handle locates an allocation inside the segment independent of the
// local mapping base. The zero Handle is never a valid allocation.
type Handle uint64

var (
	// ErrOutOfMemory is returned when the arena cannot satisfy an
	// allocation from its free list or remaining space.
	ErrOutOfMemory = errors.New("shm: segment out of memory")
	// ErrDirFull is returned when the named-object directory has no
	// free slot left.
	ErrDirFull = errors.New("shm: named object directory full")
	// ErrNotFound is returned by Destroy for an unknown name.
	ErrNotFound = errors.New("shm: named object not found")
)

const (
	segMagic   = 0x53484d50 // "SHMP"
	segVersion = 1

	maxNamed  = 16
	nameBytes = 40

	blockHdrSize = 16 // {size, next}
	minSplit     = 32
)

type dirEntry struct {
	name [nameBytes]byte
	size uint64
	off  uint64
}

type header struct {
	magic    uint32
	version  uint32
	heapLock uint64
	brk      uint64
	limit    uint64
	freeHead uint64
	dir      [maxNamed]dirEntry
}

// blockHdr precedes every arena allocation. next links free blocks.
type blockHdr struct {
	size uint64
	next uint64
}

const headerSize = uint64(unsafe.Sizeof(header{}))

// A Segment is one process's view of a shared region. All methods are
// safe for concurrent use from multiple goroutines and, for file-backed
// segments, from multiple processes.
type Segment struct {
	name string
	data []byte
	hdr  *header
	file *os.File

	ownerDied atomic.Bool
}

// OpenAnon creates a process-private segment of the given size. It backs
// tests and single-process use; the layout and all operations are
// identical to a file-backed segment.
func OpenAnon(size int) (*Segment, error) {
	if size < int(headerSize)+blockHdrSize {
		return nil, errors.Errorf("shm: segment size %d too small", size)
	}
	s := &Segment{data: make([]byte, size)}
	s.hdr = (*header)(unsafe.Pointer(&s.data[0]))
	s.initHeader()
	return s, nil
}

func (s *Segment) initHeader() {
	s.hdr.magic = segMagic
	s.hdr.version = segVersion
	s.hdr.brk = align8(headerSize)
	s.hdr.limit = uint64(len(s.data))
}

// Name reports the name the segment was opened under; empty for
// anonymous segments.
func (s *Segment) Name() string { return s.name }

// Size reports the total mapping size in bytes.
func (s *Segment) Size() int { return len(s.data) }

// OwnerDied reports whether any of the segment's internal locks was ever
// reclaimed from a dead owner. Once true the region's bookkeeping cannot
// be trusted and callers should invalidate it.
func (s *Segment) OwnerDied() bool { return s.ownerDied.Load() }

// Bytes returns the n bytes at h as a slice over the mapping. The slice
// is valid only within this process and for the lifetime of the segment.
func (s *Segment) Bytes(h Handle, n int) []byte {
	return s.data[h : uint64(h)+uint64(n) : uint64(h)+uint64(n)]
}

// Ptr translates a handle to a local address.
func (s *Segment) Ptr(h Handle) unsafe.Pointer {
	return unsafe.Pointer(&s.data[h])
}

// HandleOf translates a local address inside the mapping back to a
// handle. The address must point into the mapping.
func (s *Segment) HandleOf(p unsafe.Pointer) Handle {
	base := uintptr(unsafe.Pointer(&s.data[0]))
	return Handle(uintptr(p) - base)
}

func (s *Segment) heapMu() Mutex { return NewMutex(&s.hdr.heapLock) }

func (s *Segment) lockHeap() {
	if err := s.heapMu().Lock(); err != nil {
		s.ownerDied.Store(true)
	}
}

// Alloc carves n bytes out of the arena and returns their handle. The
// returned memory is not zeroed unless it has never been allocated
// before; callers initializing shared records must overwrite every field.
func (s *Segment) Alloc(n int) (Handle, error) {
	if n <= 0 {
		return 0, errors.Errorf("shm: invalid allocation size %d", n)
	}
	s.lockHeap()
	defer s.heapMu().Unlock()
	return s.allocLocked(uint64(n))
}

func (s *Segment) allocLocked(n uint64) (Handle, error) {
	n = align8(n)

	// First fit from the free list.
	var prev *blockHdr
	off := s.hdr.freeHead
	for off != 0 {
		blk := (*blockHdr)(s.Ptr(Handle(off)))
		if blk.size >= n {
			if blk.size-n >= minSplit+blockHdrSize {
				// Split; remainder stays on the free list.
				restOff := off + blockHdrSize + n
				rest := (*blockHdr)(s.Ptr(Handle(restOff)))
				rest.size = blk.size - n - blockHdrSize
				rest.next = blk.next
				blk.size = n
				s.unlinkFree(prev, restOff)
			} else {
				s.unlinkFree(prev, blk.next)
			}
			blk.next = 0
			return Handle(off + blockHdrSize), nil
		}
		prev = blk
		off = blk.next
	}

	// Bump allocation.
	need := blockHdrSize + n
	if s.hdr.brk+need > s.hdr.limit {
		return 0, ErrOutOfMemory
	}
	off = s.hdr.brk
	s.hdr.brk += need
	blk := (*blockHdr)(s.Ptr(Handle(off)))
	blk.size = n
	blk.next = 0
	return Handle(off + blockHdrSize), nil
}

func (s *Segment) unlinkFree(prev *blockHdr, next uint64) {
	if prev == nil {
		s.hdr.freeHead = next
	} else {
		prev.next = next
	}
}

// Free returns the allocation at h to the arena.
func (s *Segment) Free(h Handle) {
	if h == 0 {
		return
	}
	s.lockHeap()
	defer s.heapMu().Unlock()
	off := uint64(h) - blockHdrSize
	blk := (*blockHdr)(s.Ptr(Handle(off)))
	blk.next = s.hdr.freeHead
	s.hdr.freeHead = off
}

// FindOrCreate resolves name to an existing allocation or creates a
// zeroed one of the given size. The boolean reports whether the object
// was created by this call.
func (s *Segment) FindOrCreate(name string, size int) (Handle, bool, error) {
	if len(name) == 0 || len(name) >= nameBytes {
		return 0, false, errors.Errorf("shm: bad object name %q", name)
	}
	s.lockHeap()
	defer s.heapMu().Unlock()

	free := -1
	for i := range s.hdr.dir {
		e := &s.hdr.dir[i]
		if e.off == 0 {
			if free < 0 {
				free = i
			}
			continue
		}
		if entryName(e) == name {
			return Handle(e.off), false, nil
		}
	}
	if free < 0 {
		return 0, false, ErrDirFull
	}
	h, err := s.allocLocked(uint64(size))
	if err != nil {
		return 0, false, errors.Wrapf(err, "shm: creating %q", name)
	}
	clear(s.Bytes(h, size))
	e := &s.hdr.dir[free]
	copy(e.name[:], name)
	e.size = uint64(size)
	e.off = uint64(h)
	return h, true, nil
}

// Destroy removes a named object and frees its allocation.
func (s *Segment) Destroy(name string) error {
	s.lockHeap()
	var victim *dirEntry
	for i := range s.hdr.dir {
		e := &s.hdr.dir[i]
		if e.off != 0 && entryName(e) == name {
			victim = e
			break
		}
	}
	if victim == nil {
		s.heapMu().Unlock()
		return errors.Wrap(ErrNotFound, name)
	}
	off := uint64(victim.off)
	*victim = dirEntry{}
	s.heapMu().Unlock()
	s.Free(Handle(off))
	return nil
}

func entryName(e *dirEntry) string {
	n := 0
	for n < nameBytes && e.name[n] != 0 {
		n++
	}
	return string(e.name[:n])
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }
