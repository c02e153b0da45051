//go:build linux

package shm

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// Open maps the named segment shared with other processes on this host,
// creating and sizing it on first open. The name is a plain file name
// under /dev/shm.
func Open(name string, size int) (*Segment, error) {
	if size < int(headerSize)+blockHdrSize {
		return nil, errors.Errorf("shm: segment size %d too small", size)
	}
	path := filepath.Join(shmDir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: open %s", path)
	}

	// First-time initialization races with concurrent openers; the
	// in-segment heap lock cannot exist before the header does, so the
	// file lock serializes bootstrap instead.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "shm: flock")
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "shm: stat")
	}
	fresh := st.Size() == 0
	if fresh {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "shm: truncate")
		}
	} else if st.Size() != int64(size) {
		size = int(st.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "shm: mmap")
	}

	s := &Segment{name: name, data: data, file: f}
	s.hdr = (*header)(unsafe.Pointer(&s.data[0]))
	if fresh || s.hdr.magic != segMagic {
		s.initHeader()
	} else if s.hdr.version != segVersion {
		unix.Munmap(data)
		f.Close()
		return nil, errors.Errorf("shm: segment %s has version %d, want %d",
			name, s.hdr.version, segVersion)
	}
	return s, nil
}

// Unlink removes the named segment from the filesystem. Existing
// mappings stay valid until their owners close them.
func Unlink(name string) error {
	return errors.Wrap(os.Remove(filepath.Join(shmDir, name)), "shm: unlink")
}

// Close drops this process's mapping. Other processes are unaffected.
func (s *Segment) Close() error {
	if s.file == nil {
		s.data = nil
		s.hdr = nil
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	s.hdr = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return errors.Wrap(err, "shm: close")
}
