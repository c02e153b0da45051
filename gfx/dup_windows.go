//go:build windows

package gfx

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// DupHandle imports an external-memory handle exported by the process
// originPid into the calling process with DuplicateHandle. The returned
// handle is owned by the caller and released through the device's Free.
func DupHandle(originPid, handle uint64) (uint64, error) {
	src, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE, false, uint32(originPid))
	if err != nil {
		return 0, errors.Wrapf(err, "gfx: OpenProcess %d", originPid)
	}
	defer windows.CloseHandle(src)

	self, err := windows.GetCurrentProcess()
	if err != nil {
		return 0, errors.Wrap(err, "gfx: GetCurrentProcess")
	}
	var out windows.Handle
	err = windows.DuplicateHandle(src, windows.Handle(handle), self, &out,
		0, false, windows.DUPLICATE_SAME_ACCESS)
	if err != nil {
		return 0, errors.Wrap(err, "gfx: DuplicateHandle")
	}
	return uint64(out), nil
}
