//go:build linux && amd64

// Package unwind is the backtrace adapter (spec component D / §4.7): given
// a tracee already stopped by the supervisor, it walks the frame-pointer
// chain and resolves addresses against the tracee's own ELF symbol table,
// without re-attaching (the caller is already attached).
//
// Grounded on pkg/ptrace's PtraceGetRegs usage (the same register-snapshot
// call the teacher makes before every RemoteSyscall) for register access,
// and on stdlib debug/elf for symbol resolution: nothing in _examples/ or
// other_examples/ pulls in a third-party unwinder or symbolizer (no gosym,
// no delve/pclntab walker, no libunwind binding), so there is no pack
// dependency to ground one on. debug/elf's static symbol table works for
// any non-stripped ELF binary, Go or otherwise, which fits a tracer that
// attaches to arbitrary target executables better than debug/gosym (which
// only understands Go's own pclntab).
package unwind

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/pendulm/lxtrace/pkg/event"
	"github.com/pendulm/lxtrace/pkg/memio"
)

// MaxFrames bounds the frame-pointer walk so a corrupted or cyclic chain
// can't loop forever.
const MaxFrames = 64

// MemoryReader is the subset of pkg/memio the adapter needs, abstracted so
// tests can supply a fake stack.
type MemoryReader interface {
	ReadBuf(pid int, addr uint64, length int) ([]byte, bool)
}

type liveReader struct{}

func (liveReader) ReadBuf(pid int, addr uint64, length int) ([]byte, bool) {
	return memio.ReadBuf(pid, addr, length)
}

// RegReader abstracts PTRACE_GETREGS so tests don't need a real tracee.
type RegReader interface {
	GetRegs(pid int) (rip, rbp uint64, err error)
}

type liveRegReader struct{}

func (liveRegReader) GetRegs(pid int) (uint64, uint64, error) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return 0, 0, fmt.Errorf("ptrace getregs pid=%d: %w", pid, err)
	}
	return regs.Rip, regs.Rbp, nil
}

// Adapter captures backtraces for stopped tracees (spec §4.7).
type Adapter struct {
	reader MemoryReader
	regs   RegReader

	mu      sync.Mutex
	symbols map[string]*symtab // keyed by /proc/<pid>/exe target path
}

// New builds an Adapter backed by live process_vm_readv reads and
// PTRACE_GETREGS.
func New() *Adapter {
	return &Adapter{reader: liveReader{}, regs: liveRegReader{}, symbols: map[string]*symtab{}}
}

// NewWithDeps builds an Adapter against injected reader/register sources,
// for tests.
func NewWithDeps(r MemoryReader, rr RegReader) *Adapter {
	return &Adapter{reader: r, regs: rr, symbols: map[string]*symtab{}}
}

// Capture unwinds pid's current stack via the System V AMD64 frame-pointer
// chain (rbp -> [saved rbp][return address]), resolving each return address
// against the tracee's own binary. Failure here is backtrace-soft (spec
// §7): callers log and emit the syscall event without a backtrace.
func (a *Adapter) Capture(pid int) (*event.Backtrace, error) {
	rip, rbp, err := a.regs.GetRegs(pid)
	if err != nil {
		return nil, err
	}

	table := a.symtabFor(pid) // nil is fine; lookups just miss

	frames := make([]event.Frame, 0, 8)
	frames = append(frames, event.Frame{IP: rip, Sym: table.lookup(rip)})

	bp := rbp
	for i := 0; i < MaxFrames && bp != 0; i++ {
		data, ok := a.reader.ReadBuf(pid, bp, 16)
		if !ok {
			break
		}
		savedBP := binary.LittleEndian.Uint64(data[0:8])
		retAddr := binary.LittleEndian.Uint64(data[8:16])
		if retAddr == 0 {
			break
		}
		frames = append(frames, event.Frame{IP: retAddr, Sym: table.lookup(retAddr)})
		// The frame-pointer chain grows toward higher addresses on a normal
		// stack; a non-increasing saved rbp means a corrupted or absent
		// chain (e.g. the callee was built without frame pointers).
		if savedBP <= bp {
			break
		}
		bp = savedBP
	}

	return &event.Backtrace{Threads: []event.ThreadBacktrace{{ID: uint32(pid), Frames: frames}}}, nil
}

// symtabFor loads and caches pid's executable's ELF symbol table, applying
// the PIE load bias read from /proc/pid/maps. Any failure (stripped binary,
// unreadable /proc entries) degrades to a nil table: lookups simply return
// no symbol, matching spec §4.7's "resolve symbols" as best-effort rather
// than mandatory.
func (a *Adapter) symtabFor(pid int) *symtab {
	exePath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return nil
	}

	a.mu.Lock()
	if t, ok := a.symbols[exePath]; ok {
		a.mu.Unlock()
		return t
	}
	a.mu.Unlock()

	t := loadSymtab(pid, exePath)

	a.mu.Lock()
	a.symbols[exePath] = t
	a.mu.Unlock()
	return t
}

type symtab struct {
	bias    uint64
	entries []elf.Symbol // sorted by Value
}

func loadSymtab(pid int, exePath string) *symtab {
	f, err := elf.Open(exePath)
	if err != nil {
		return nil
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil
		}
	}

	filtered := syms[:0]
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
			filtered = append(filtered, s)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Value < filtered[j].Value })

	var bias uint64
	if f.Type == elf.ET_DYN {
		bias = loadBias(pid, exePath)
	}

	return &symtab{bias: bias, entries: filtered}
}

// loadBias returns the start address of the first /proc/pid/maps line for
// exePath (its lowest mapping, whatever its permissions), for PIE binaries (spec gives no format guidance;
// this mirrors how any userspace symbolizer must treat ET_DYN executables).
func loadBias(pid int, exePath string) uint64 {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasSuffix(line, exePath) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		rng := strings.SplitN(fields[0], "-", 2)
		start, err := strconv.ParseUint(rng[0], 16, 64)
		if err != nil {
			continue
		}
		return start
	}
	return 0
}

// lookup finds the function symbol containing addr, if any. A nil receiver
// (no symbol table available) always misses.
func (t *symtab) lookup(addr uint64) *event.Symbol {
	if t == nil || len(t.entries) == 0 {
		return nil
	}
	target := addr - t.bias
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Value > target }) - 1
	if i < 0 {
		return nil
	}
	s := t.entries[i]
	if s.Size != 0 && target >= s.Value+s.Size {
		return nil
	}
	return &event.Symbol{
		RawName: s.Name,
		Offset:  target - s.Value,
		Addr:    addr,
		Size:    s.Size,
	}
}
