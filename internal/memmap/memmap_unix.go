//go:build linux || darwin || freebsd

package memmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func osPageSize() uintptr {
	return uintptr(os.Getpagesize())
}

func toUnixProt(prot Protection) int {
	p := unix.PROT_NONE
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}

	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}

	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}

	return p
}

func osReserve(size uintptr, prot Protection) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, int(size), toUnixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}

	return uintptr(unsafe.Pointer(&b[0])), nil
}

// osReserveAligned overallocates size+alignment bytes, then trims the
// unaligned head and tail back to the OS, leaving an aligned [size]-byte
// mapping. Partial munmap of a still-live mmap range is valid on POSIX,
// which is what makes the overallocate-and-trim technique work here.
func osReserveAligned(size, alignment uintptr, prot Protection) (uintptr, error) {
	probeSize := size + alignment

	b, err := unix.Mmap(-1, 0, int(probeSize), toUnixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}

	base := uintptr(unsafe.Pointer(&b[0]))
	aligned := (base + alignment - 1) &^ (alignment - 1)

	if head := aligned - base; head > 0 {
		if err := unix.Munmap(b[:head]); err != nil {
			return 0, err
		}
	}

	tailStart := (aligned - base) + size
	if tail := probeSize - tailStart; tail > 0 {
		if err := unix.Munmap(b[tailStart:]); err != nil {
			return 0, err
		}
	}

	return aligned, nil
}

func osProtect(addr, size uintptr, prot Protection) error {
	b := unsafeBytes(addr, size)

	return unix.Mprotect(b, toUnixProt(prot))
}

func osDecommit(addr, size uintptr) error {
	b := unsafeBytes(addr, size)
	// MADV_DONTNEED drops the physical pages but keeps the mapping valid,
	// matching the spec's ReleasePages semantics.
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func osRelease(addr, size uintptr) error {
	b := unsafeBytes(addr, size)

	return unix.Munmap(b)
}

func unsafeBytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
