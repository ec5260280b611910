package wayland

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shmBuffer is an anonymous shared-memory region holding one output's
// gamma table. The memfd is unlinked by construction; the compositor
// receives a duplicate of the descriptor with each set_gamma request
// and reads the table from it.
type shmBuffer struct {
	fd   int
	data []byte
}

func newShmBuffer(size int) (*shmBuffer, error) {
	fd, err := unix.MemfdCreate("duskd-gamma", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate gamma buffer to %d: %w", size, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap gamma buffer: %w", err)
	}
	return &shmBuffer{fd: fd, data: data}, nil
}

// Uint16s views the mapping as native-endian 16-bit ramp entries.
func (b *shmBuffer) Uint16s() []uint16 {
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b.data[0])), len(b.data)/2)
}

// Size returns the region length in bytes.
func (b *shmBuffer) Size() int {
	return len(b.data)
}

// Rewind resets the descriptor offset so a compositor that reads
// sequentially sees the table from the start.
func (b *shmBuffer) Rewind() error {
	_, err := unix.Seek(b.fd, 0, 0)
	return err
}

func (b *shmBuffer) Close() {
	if b.data != nil {
		unix.Munmap(b.data)
		b.data = nil
	}
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
}
