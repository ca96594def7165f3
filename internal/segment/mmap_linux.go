//go:build linux

package segment

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// reserve carves out size bytes of address space with no backing store
// and no access, reserving the range without committing memory.
func reserve(size int64) (uintptr, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&data[0])), nil
}

// unreserve releases a reservation created by reserve.
func unreserve(base uintptr, size int64) error {
	return unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size)))
}

// mmapFixed maps fd at the fixed address addr, overlaying whatever
// PROT_NONE reservation mapping was there before. x/sys/unix's high-level
// Mmap wrapper always lets the kernel pick an address, so a raw syscall is
// needed to place a backing file precisely inside an existing
// reservation.
func mmapFixed(addr uintptr, length int, prot, flags, fd int, offset int64) (uintptr, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

func msync(addr uintptr, length int, flags int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return unix.Msync(b, flags)
}

// mprotect changes the access protection of an already-mapped range
// without altering its mapping.
func mprotect(addr uintptr, length int, prot int) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return unix.Mprotect(b, prot)
}
