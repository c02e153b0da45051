//go:build linux

package gfx

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DupHandle imports an external-memory handle exported by the process
// originPid into the calling process by opening its /proc fd entry
// read-write. The returned handle is owned by the caller and released
// through the device's Free.
func DupHandle(originPid, handle uint64) (uint64, error) {
	path := fmt.Sprintf("/proc/%d/fd/%d", originPid, handle)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "gfx: dup %s", path)
	}
	return uint64(fd), nil
}
