//go:build linux

package gfx

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MemfdDevice implements Device over memfd file descriptors. The fd
// number is the external-memory handle: it is process-local, survives
// until closed, and other processes import it by opening
// /proc/<pid>/fd/<fd>, exactly the duplication path the pool needs.
//
// It stands in for a Vulkan external-memory exporter.
type MemfdDevice struct {
	mu    sync.Mutex
	seq   uint64
	views map[*byte]struct{}
}

// NewMemfdDevice returns an active device.
func NewMemfdDevice() *MemfdDevice {
	return &MemfdDevice{views: make(map[*byte]struct{})}
}

func (d *MemfdDevice) IsActive() bool { return true }

// Alloc creates a sealed-size memfd of n bytes.
func (d *MemfdDevice) Alloc(n uint64, deviceLocal bool) (uint64, uint32, error) {
	d.mu.Lock()
	d.seq++
	name := fmt.Sprintf("gfx-%d", d.seq)
	d.mu.Unlock()

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return 0, 0, errors.Wrap(err, "gfx: memfd_create")
	}
	if err := unix.Ftruncate(fd, int64(n)); err != nil {
		unix.Close(fd)
		return 0, 0, errors.Wrap(err, "gfx: ftruncate")
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(fd)
		return 0, 0, errors.Wrap(err, "gfx: seal")
	}
	mt := MemTypeHostVisible
	if deviceLocal {
		mt = MemTypeDeviceLocal
	}
	return uint64(fd), mt, nil
}

// Map mmaps the allocation. Device-local memory has no CPU view.
func (d *MemfdDevice) Map(handle, n uint64, memoryTypeIndex uint32) ([]byte, error) {
	if memoryTypeIndex == MemTypeDeviceLocal {
		return nil, errors.New("gfx: device-local memory is not host mappable")
	}
	view, err := unix.Mmap(int(handle), 0, int(n),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "gfx: mmap")
	}
	d.mu.Lock()
	d.views[&view[0]] = struct{}{}
	d.mu.Unlock()
	return view, nil
}

func (d *MemfdDevice) Unmap(view []byte) error {
	if len(view) == 0 {
		return nil
	}
	d.mu.Lock()
	delete(d.views, &view[0])
	d.mu.Unlock()
	return errors.Wrap(unix.Munmap(view), "gfx: munmap")
}

func (d *MemfdDevice) Free(handle uint64) error {
	return errors.Wrap(unix.Close(int(handle)), "gfx: close")
}

// Dup imports handle from the origin process via /proc.
func (d *MemfdDevice) Dup(originPid, handle uint64) (uint64, error) {
	return DupHandle(originPid, handle)
}
