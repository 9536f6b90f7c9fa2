//go:build windows

package memmap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func osPageSize() uintptr {
	var info windows.SystemInfo

	windows.GetSystemInfo(&info)

	if info.PageSize == 0 {
		return 4096
	}

	return uintptr(info.PageSize)
}

func toWindowsProtect(prot Protection) uint32 {
	switch {
	case prot&ProtExec != 0 && prot&ProtWrite != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case prot&ProtExec != 0:
		return windows.PAGE_EXECUTE_READ
	case prot&ProtWrite != 0:
		return windows.PAGE_READWRITE
	case prot&ProtRead != 0:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func osReserve(size uintptr, prot Protection) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, toWindowsProtect(prot))
	if err != nil {
		return 0, err
	}

	return addr, nil
}

// osReserveAligned finds an aligned address by probing: reserve a range
// large enough to guarantee an aligned sub-range exists, release it
// entirely (VirtualFree only accepts freeing a whole VirtualAlloc
// reservation, never a sub-range), then re-reserve exactly size bytes at
// the computed aligned address. A concurrent reservation can steal that
// address between release and re-reserve, so the probe is retried a bounded
// number of times on that race.
func osReserveAligned(size, alignment uintptr, prot Protection) (uintptr, error) {
	const maxAttempts = 8

	access := toWindowsProtect(prot)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		probe, err := windows.VirtualAlloc(0, size+alignment, windows.MEM_RESERVE, access)
		if err != nil {
			return 0, err
		}

		aligned := (probe + alignment - 1) &^ (alignment - 1)

		if err := windows.VirtualFree(probe, 0, windows.MEM_RELEASE); err != nil {
			return 0, err
		}

		addr, err := windows.VirtualAlloc(aligned, size, windows.MEM_COMMIT|windows.MEM_RESERVE, access)
		if err != nil {
			continue
		}

		return addr, nil
	}

	return 0, fmt.Errorf("could not reserve an aligned %d-byte range after %d attempts", size, maxAttempts)
}

func osProtect(addr, size uintptr, prot Protection) error {
	var old uint32

	return windows.VirtualProtect(addr, size, toWindowsProtect(prot), &old)
}

func osDecommit(addr, size uintptr) error {
	return windows.VirtualFree(addr, size, windows.MEM_DECOMMIT)
}

func osRelease(addr, size uintptr) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func unsafeBytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
