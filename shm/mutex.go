package shm

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrOwnerDied reports that a mutex was reclaimed from a process that
// exited while holding it. The lock IS held by the caller when this is
// returned; the protected state may be inconsistent and the caller must
// arrange invalidation of the region.
var ErrOwnerDied = errors.New("shm: mutex owner died")

// PidAlive reports whether a process exists. Overridable so tests can
// simulate peer death without spawning processes.
var PidAlive = func(pid int) bool {
	if pid == os.Getpid() {
		return true
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// Can't tell; assume alive rather than steal a live lock.
		return true
	}
	return ok
}

// A Mutex is a cross-process mutual-exclusion lock over a word stored in
// the segment. The word holds 0 when free and the owner's PID when held.
// Owner death is detected by probing the recorded PID, satisfying the
// robust-mutex requirement: a lock held by a dead process is eventually
// stolen and Lock returns ErrOwnerDied.
//
// Not reentrant; goroutines of one process exclude each other the same
// way processes do.
type Mutex struct {
	word *uint64
}

// NewMutex wraps a lock word that lives in segment memory.
func NewMutex(word *uint64) Mutex { return Mutex{word: word} }

const (
	spinLimit     = 128
	sleepStep     = 50 * time.Microsecond
	sleepMax      = 2 * time.Millisecond
	deadProbeEach = 8 // probe owner liveness every N sleeps
)

// Lock acquires the mutex, spinning briefly before backing off to short
// sleeps. Returns nil normally, ErrOwnerDied when the lock had to be
// reclaimed from a dead owner.
func (m Mutex) Lock() error {
	self := uint64(os.Getpid())
	sleeps := 0
	delay := sleepStep
	for i := 0; ; i++ {
		if atomic.CompareAndSwapUint64(m.word, 0, self) {
			return nil
		}
		if i < spinLimit {
			runtime.Gosched()
			continue
		}
		owner := atomic.LoadUint64(m.word)
		if owner != 0 && sleeps%deadProbeEach == deadProbeEach-1 && !PidAlive(int(owner)) {
			if atomic.CompareAndSwapUint64(m.word, owner, self) {
				return ErrOwnerDied
			}
			continue
		}
		time.Sleep(delay)
		sleeps++
		if delay < sleepMax {
			delay *= 2
		}
	}
}

// TryLock acquires the mutex iff it is free.
func (m Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint64(m.word, 0, uint64(os.Getpid()))
}

// Unlock releases the mutex. It does not verify ownership.
func (m Mutex) Unlock() {
	atomic.StoreUint64(m.word, 0)
}
