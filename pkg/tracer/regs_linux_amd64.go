//go:build linux && amd64

package tracer

import (
	"fmt"
	"syscall"

	"github.com/pendulm/lxtrace/pkg/event"
)

// Registers is the x86-64 subset of a tracee's register file the
// supervisor reads/rewrites (spec §4.4: orig_rax/rdi/rsi/rdx/r10/r8/r9/rax).
type Registers struct {
	OrigRax, Rax            uint64
	Rdi, Rsi, Rdx, R10, R8, R9 uint64
}

// toRaw projects Registers onto the shared RawSyscall snapshot, masking
// the syscall id to the low 24 bits consistently (spec §9 design note).
func (r Registers) toRaw() event.RawSyscall {
	return event.RawSyscall{
		SyscallID: r.OrigRax & 0xFFFFFF,
		Args:      [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9},
		Ret:       r.Rax,
	}
}

// RegisterIO abstracts PTRACE_GETREGS/PTRACE_SETREGS so the dispatch logic
// can be driven by fakes in tests.
type RegisterIO interface {
	GetRegs(pid int) (Registers, error)
	SetRegs(pid int, r Registers) error
}

type liveRegisterIO struct{}

func (liveRegisterIO) GetRegs(pid int) (Registers, error) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return Registers{}, fmt.Errorf("tracer: getregs pid=%d: %w", pid, err)
	}
	return Registers{
		OrigRax: regs.Orig_rax, Rax: regs.Rax,
		Rdi: regs.Rdi, Rsi: regs.Rsi, Rdx: regs.Rdx,
		R10: regs.R10, R8: regs.R8, R9: regs.R9,
	}, nil
}

func (liveRegisterIO) SetRegs(pid int, r Registers) error {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return fmt.Errorf("tracer: getregs (pre-setregs) pid=%d: %w", pid, err)
	}
	regs.Orig_rax, regs.Rax = r.OrigRax, r.Rax
	regs.Rdi, regs.Rsi, regs.Rdx = r.Rdi, r.Rsi, r.Rdx
	regs.R10, regs.R8, regs.R9 = r.R10, r.R8, r.R9
	if err := syscall.PtraceSetRegs(pid, &regs); err != nil {
		return fmt.Errorf("tracer: setregs pid=%d: %w", pid, err)
	}
	return nil
}

// Resumer abstracts PTRACE_SYSCALL, the single resume primitive the loop
// uses whether or not a signal is being injected (spec §4.4).
type Resumer interface {
	Resume(pid int, sig int) error
}

type liveResumer struct{}

func (liveResumer) Resume(pid int, sig int) error {
	if err := syscall.PtraceSyscall(pid, sig); err != nil {
		return fmt.Errorf("tracer: ptrace(PTRACE_SYSCALL) pid=%d: %w", pid, err)
	}
	return nil
}

// Waiter abstracts the all-children wait (spec §4.4/§5: "the wait loop
// blocks in exactly one place").
type Waiter interface {
	WaitAny() (pid int, ws syscall.WaitStatus, err error)
}

// waitOptWALL reaps non-direct clone children through the same loop
// (spec §4.4, "include all children of any kind"); same constant the
// teacher's pkg/ptrace hardcodes.
const waitOptWALL = 0x40000000

type liveWaiter struct{}

func (liveWaiter) WaitAny() (int, syscall.WaitStatus, error) {
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(-1, &ws, waitOptWALL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("tracer: wait4: %w", err)
	}
	return pid, ws, nil
}

// ptraceOptions are set on every descendant's first stop, before its first
// resume (spec §4.4): distinguish syscall-stops, kill tracees on
// supervisor exit, and follow clone/fork/vfork/exec.
const ptraceOptions = syscall.PTRACE_O_TRACESYSGOOD |
	syscall.PTRACE_O_EXITKILL |
	syscall.PTRACE_O_TRACECLONE |
	syscall.PTRACE_O_TRACEFORK |
	syscall.PTRACE_O_TRACEVFORK |
	syscall.PTRACE_O_TRACEEXEC

func setTraceOptions(pid int) error {
	if err := syscall.PtraceSetOptions(pid, ptraceOptions); err != nil {
		return fmt.Errorf("tracer: set trace options pid=%d: %w", pid, err)
	}
	return nil
}

// syscallStopSignal is SIGTRAP with the high bit PTRACE_O_TRACESYSGOOD adds
// to distinguish syscall-stops from other SIGTRAP-bearing stops.
const syscallStopSignal = syscall.SIGTRAP | 0x80
