// Package gfx abstracts the graphics-API utility the hybrid pool uses to
// allocate, export, map, and free external GPU memory. A Device hands out
// OS-level external-memory handles that other processes can duplicate and
// map, which is the property the pool's cross-process sharing relies on.
package gfx

import "github.com/pkg/errors"

// ErrInactive is returned by Disabled for every allocation attempt.
var ErrInactive = errors.New("gfx: device inactive")

// Memory type indices reported by the built-in devices. Host-visible is
// the default; device-local exists so both pool flavors exercise
// distinct types, the way a real implementation reports heap indices.
const (
	MemTypeHostVisible uint32 = 0
	MemTypeDeviceLocal uint32 = 1
)

// Device is the allocation surface the pool drives. Alloc returning
// handle 0 means the allocation failed even when err is nil; callers
// treat 0 as the empty handle.
type Device interface {
	// IsActive reports whether the device can allocate at all.
	IsActive() bool

	// Alloc creates an exportable allocation of n bytes and returns its
	// external-memory handle and the memory type it was placed in.
	Alloc(n uint64, deviceLocal bool) (handle uint64, memoryTypeIndex uint32, err error)

	// Map establishes a CPU view of the allocation. Only valid for
	// host-visible memory types.
	Map(handle, n uint64, memoryTypeIndex uint32) ([]byte, error)

	// Unmap tears down a view previously returned by Map.
	Unmap(view []byte) error

	// Free releases a handle owned by this process, whether it came
	// from Alloc or Dup.
	Free(handle uint64) error

	// Dup imports a handle exported by another process, returning a
	// handle owned by this one.
	Dup(originPid, handle uint64) (uint64, error)
}

// Disabled is the Device used when no graphics API is available. All
// requests fail; the pool degrades to returning empty GPU buffers.
type Disabled struct{}

func (Disabled) IsActive() bool { return false }

func (Disabled) Alloc(uint64, bool) (uint64, uint32, error) { return 0, 0, ErrInactive }

func (Disabled) Map(uint64, uint64, uint32) ([]byte, error) { return nil, ErrInactive }

func (Disabled) Unmap([]byte) error { return nil }

func (Disabled) Free(uint64) error { return nil }

func (Disabled) Dup(uint64, uint64) (uint64, error) { return 0, ErrInactive }
