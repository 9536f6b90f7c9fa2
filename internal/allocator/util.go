package allocator

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"
)

// alignUp aligns size up to the nearest multiple of alignment. alignment
// must be a power of two. Ported verbatim from the teacher's allocator.go.
func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}

// isPowerOfTwo reports whether n is a power of two.
func isPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// copyMemory copies size bytes from src to dst using Go's builtin copy,
// exactly as the teacher's allocator.go does it.
func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}

	dstSlice := unsafe.Slice((*byte)(dst), int(size))
	srcSlice := unsafe.Slice((*byte)(src), int(size))
	copy(dstSlice, srcSlice)
}

// zeroMemory zero-initializes size bytes at ptr. Every successful Alloc on
// the external heap-manager surface (spec.md §6) must zero-initialize before
// returning to the managed layer.
func zeroMemory(ptr unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}

	s := unsafe.Slice((*byte)(ptr), int(size))
	for i := range s {
		s[i] = 0
	}
}

// poisonMemory fills size bytes with a recognizable non-zero pattern. Used
// by Arena.Resize on the suffix a shrink vacates, unconditionally; it does
// not consult AllocObserver.PoisonOnFree.
func poisonMemory(ptr unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}

	const poisonByte = 0xCD

	s := unsafe.Slice((*byte)(ptr), int(size))
	for i := range s {
		s[i] = poisonByte
	}
}

// fatalExit is a variable so a test can replace it (monitor_test.go swaps in
// a panic) and observe a simulated fatal abort without tearing down the test
// binary.
var fatalExit = os.Exit

// fatalf logs then aborts the process. spec.md §7 classifies monitor
// protocol violations, inconsistent GC-callback liveness and pool-manager
// reservation failure at startup as hard/fatal: they are logged and then
// abort, never unwound as a Go panic/recover pair across an allocator API.
func fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	pc, file, line, ok := runtime.Caller(1)
	if ok {
		fn := runtime.FuncForPC(pc)
		fmt.Fprintf(os.Stderr, "FATAL %s:%d %s: %s\n", file, line, fn.Name(), msg)
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	}

	fatalExit(2)
}
