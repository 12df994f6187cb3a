//go:build linux && amd64

// Package memio reads bounded buffers and zero-terminated strings out of a
// tracee's address space (spec component B). It is grounded on
// process_vm_readv, the same syscall
// _examples/other_examples/983764b3_DataDog-datadog-agent__pkg-security-ptracer-ptracer.go.go
// wraps for its readString/readData helpers, reached here through
// golang.org/x/sys/unix.ProcessVMReadv rather than the plain "syscall"
// package the teacher uses, since the teacher never needed cross-process
// memory (it only poked/peeked words with PtracePokeData/PtracePeekData).
package memio

import (
	"golang.org/x/sys/unix"
)

// MaxReadSize bounds every read performed against a tracee (spec §4.2).
const MaxReadSize = 4096

// ReadBuf reads exactly len bytes at addr from pid's address space. It
// never returns a partial read: either all of len comes back, or ok is
// false and the byte slice is nil (spec §4.2).
func ReadBuf(pid int, addr uint64, length int) (data []byte, ok bool) {
	if length < 0 || length > MaxReadSize {
		return nil, false
	}
	if length == 0 {
		return []byte{}, true
	}
	buf := make([]byte, length)
	n, err := processVMReadv(pid, uintptr(addr), buf)
	if err != nil || n != length {
		return nil, false
	}
	return buf, true
}

// ReadZString reads a NUL-terminated string starting at addr, one byte at
// a time, up to MaxReadSize bytes, stopping at (and excluding) the first
// NUL. It returns ok=false if any underlying read fails before a NUL is
// seen; the worst case is one cross-process read per byte, but correctness
// -- never reading past an unmapped page you didn't need to -- trumps
// throughput at this layer (spec §4.2).
func ReadZString(pid int, addr uint64) (s []byte, ok bool) {
	out := make([]byte, 0, 64)
	var b [1]byte
	for i := 0; i < MaxReadSize; i++ {
		n, err := processVMReadv(pid, uintptr(addr)+uintptr(i), b[:])
		if err != nil || n != 1 {
			return nil, false
		}
		if b[0] == 0 {
			return out, true
		}
		out = append(out, b[0])
	}
	return out, true
}

func processVMReadv(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(data)}}
	return unix.ProcessVMReadv(pid, local, remote, 0)
}
