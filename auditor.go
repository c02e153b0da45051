package hybridpool

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/yireyun/go-hybridpool/shm"
)

const maxProcs = 64

// auditorShared is the named "Auditor" object: the set of attached
// process PIDs and the region's sticky validity flag, guarded by a
// cross-process mutex. A zero PID slot is empty.
type auditorShared struct {
	mu      uint64
	invalid uint32
	_       uint32
	procs   [maxProcs]uint64
}

const auditorSharedSize = int(unsafe.Sizeof(auditorShared{}))

type auditor struct {
	seg *shm.Segment
	hdr *auditorShared
}

// pidAlive probes whether a recorded process still exists. Points at the
// shm-level probe so tests override both in one place.
var pidAlive = func(pid uint64) bool { return shm.PidAlive(int(pid)) }

func attachAuditor(seg *shm.Segment) (*auditor, error) {
	h, _, err := seg.FindOrCreate(AuditorName, auditorSharedSize)
	if err != nil {
		return nil, err
	}
	return &auditor{seg: seg, hdr: (*auditorShared)(seg.Ptr(h))}, nil
}

func (a *auditor) mutex() shm.Mutex { return shm.NewMutex(&a.hdr.mu) }

// lock acquires the auditor mutex, invalidating on owner death.
func (a *auditor) lock() {
	if err := a.mutex().Lock(); err != nil {
		a.invalidate()
	}
}

func (a *auditor) unlock() { a.mutex().Unlock() }

// invalidate sets the sticky invalid flag. Never cleared within a
// segment's lifetime.
func (a *auditor) invalidate() {
	atomic.StoreUint32(&a.hdr.invalid, 1)
}

func (a *auditor) isInvalid() bool {
	return atomic.LoadUint32(&a.hdr.invalid) != 0
}

// auditLocked reports whether the region is valid and every attached
// process is still alive. Caller holds the auditor mutex.
func (a *auditor) auditLocked() bool {
	if a.isInvalid() {
		return false
	}
	for _, pid := range a.hdr.procs {
		if pid != 0 && !pidAlive(pid) {
			return false
		}
	}
	return true
}

// addLocked appends a process record. Caller holds the auditor mutex.
func (a *auditor) addLocked(pid uint64) error {
	for i := range a.hdr.procs {
		if a.hdr.procs[i] == 0 {
			a.hdr.procs[i] = pid
			return nil
		}
	}
	return errors.Errorf("hybridpool: process table full (%d attached)", maxProcs)
}

// removeLocked drops this process's record. Caller holds the mutex.
func (a *auditor) removeLocked(pid uint64) {
	for i := range a.hdr.procs {
		if a.hdr.procs[i] == pid {
			a.hdr.procs[i] = 0
			return
		}
	}
}

// clearLocked drops every process record. Test/debug escape hatch used
// by the force-clean detach mode.
func (a *auditor) clearLocked() {
	for i := range a.hdr.procs {
		a.hdr.procs[i] = 0
	}
}

// emptyLocked reports whether no process remains attached.
func (a *auditor) emptyLocked() bool {
	for _, pid := range a.hdr.procs {
		if pid != 0 {
			return false
		}
	}
	return true
}

func (a *auditor) processCount() int {
	a.lock()
	defer a.unlock()
	n := 0
	for _, pid := range a.hdr.procs {
		if pid != 0 {
			n++
		}
	}
	return n
}

// Nuke destroys the four named shared objects, recovering a segment
// whose bookkeeping can no longer be trusted. Call only after the region
// has been invalidated and cooperating processes have been told to
// restart; buffers handed out earlier become dangling.
func Nuke(seg *shm.Segment) error {
	var errs error
	for _, name := range []string{
		PoolNameCPU, PoolNameGPU, PoolNameGPUDeviceLocal, AuditorName,
	} {
		if err := seg.Destroy(name); err != nil && !errors.Is(err, shm.ErrNotFound) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
