//go:build linux
// +build linux

package file

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MmapDevice is a file-backed device mapped into memory with MAP_SHARED.
type MmapDevice struct {
	Data []byte
	Fd   *os.File
}

// OpenMmapDevice maps path, creating or growing it to blocks blocks. With
// blocks == 0 the existing file size is used.
func OpenMmapDevice(path string, blocks uint64) (*MmapDevice, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	size := int64(blocks) * BlockSize
	if blocks == 0 {
		size = fi.Size() / BlockSize * BlockSize
	}
	if size == 0 {
		fd.Close()
		return nil, errors.Errorf("%s: empty device", path)
	}
	if fi.Size() < size {
		if err := fd.Truncate(size); err != nil {
			fd.Close()
			return nil, errors.Wrapf(err, "truncate %s", path)
		}
	}
	data, err := mmap(fd, true, size)
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	return &MmapDevice{Data: data, Fd: fd}, nil
}

func (m *MmapDevice) ReadBlock(idx uint64, buf []byte) error {
	if idx >= m.BlockCount() || len(buf) != BlockSize {
		return errors.Errorf("read block %d out of range", idx)
	}
	copy(buf, m.Data[idx*BlockSize:(idx+1)*BlockSize])
	return nil
}

func (m *MmapDevice) WriteBlock(idx uint64, buf []byte) error {
	if idx >= m.BlockCount() || len(buf) != BlockSize {
		return errors.Errorf("write block %d out of range", idx)
	}
	copy(m.Data[idx*BlockSize:], buf)
	return nil
}

func (m *MmapDevice) BlockCount() uint64 {
	return uint64(len(m.Data)) / BlockSize
}

// Flush would call sync on the mmapped data.
func (m *MmapDevice) Flush() error {
	return msync(m.Data)
}

func (m *MmapDevice) Close() error {
	if err := msync(m.Data); err != nil {
		return errors.Wrapf(err, "while sync file: %s", m.Fd.Name())
	}
	if err := munmap(m.Data); err != nil {
		return errors.Wrapf(err, "while munmap file: %s", m.Fd.Name())
	}
	m.Data = nil
	return m.Fd.Close()
}

// mmap uses the mmap system call to memory-map a file.
// the data write to the memory will be copy to file, and will be seen by others
func mmap(fd *os.File, writable bool, size int64) ([]byte, error) {
	mtype := unix.PROT_READ
	if writable {
		mtype |= unix.PROT_WRITE
	}
	return unix.Mmap(int(fd.Fd()), 0, int(size), mtype, unix.MAP_SHARED)
}

// munmap unmaps a previously mapped slice.
func munmap(data []byte) error {
	if len(data) == 0 || len(data) != cap(data) {
		return unix.EINVAL
	}
	return unix.Munmap(data)
}

// msync writes any modified data to persistent storage.
func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}
