//go:build linux && amd64

// Package tracer is the tracer supervisor (spec component E / §4.4): a
// single-threaded wait loop that demuxes ptrace stops across every
// tracee descended from a launched root process, maintains per-pid
// syscall entry/exit parity, applies optional fault injection, and emits
// the event stream over an ipc.Sender.
//
// Grounded on pkg/ptrace's Child wait-loop state machine (waitChild,
// childState transitions, PTRACE_O_TRACESYSGOOD handling) generalized
// from a single tracked pid to the pid-keyed table spec §4.4 requires,
// further shaped by
// _examples/other_examples/983764b3_DataDog-datadog-agent__pkg-security-ptracer-ptracer.go.go's
// Wait4(-1, ...) "reap anything" loop and its PTRACE_EVENT_* dispatch.
package tracer

import (
	"fmt"
	"syscall"

	"github.com/pendulm/lxtrace/pkg/decode"
	"github.com/pendulm/lxtrace/pkg/event"
	"github.com/pendulm/lxtrace/pkg/ipc"
	"github.com/pendulm/lxtrace/pkg/log"
	"github.com/pendulm/lxtrace/pkg/magic"
	"github.com/pendulm/lxtrace/pkg/memio"
	"github.com/pendulm/lxtrace/pkg/unwind"
)

// unknownSyscallStrategy is applied to a syscall id absent from the
// schema: emit both entry and exit so the consumer still sees the raw
// numbers (spec §4.4, "Event filtering by strategy").
var unknownSyscallStrategy = magic.Strategy{OnEnter: true, OnExit: true}

// childInfo is the per-tracee state the wait loop owns exclusively (spec
// §3/§5: "the pid -> ChildInfo map is owned by the wait loop alone").
type childInfo struct {
	inSyscall bool
	spoil     *spoilState
}

// Settings configures optional behavior: fault injection and backtrace
// capture (spec §4.4).
type Settings struct {
	// FailPathPrefix enables spoil when non-empty.
	FailPathPrefix string
	// InjectionRate is a percent in [0, 100]; spec's "roll 1-in-100"
	// baseline is InjectionRate: 1. Scenario S5/invariant 9 require a
	// 100% rate to be expressible.
	InjectionRate int
	// Backtrace enables capture after decoding each syscall entry.
	Backtrace bool
}

// ZStringReader is the minimal memory-read capability spoil path matching
// needs, satisfied by pkg/memio.
type ZStringReader interface {
	ReadZString(pid int, addr uint64) ([]byte, bool)
}

type liveZStringReader struct{}

func (liveZStringReader) ReadZString(pid int, addr uint64) ([]byte, bool) {
	return memio.ReadZString(pid, addr)
}

// Supervisor runs the single-threaded wait loop (spec §4.4).
type Supervisor struct {
	decoder  *decode.Decoder
	sender   *ipc.Sender
	unwinder *unwind.Adapter
	settings Settings

	regs    RegisterIO
	resumer Resumer
	waiter  Waiter
	reader  ZStringReader
	roller  Roller

	// setOptions applies ptraceOptions on a pid's first stop.
	setOptions func(pid int) error

	children map[int]*childInfo
}

// New builds a Supervisor with live ptrace/wait/memory backends.
func New(schema *magic.Schema, sender *ipc.Sender, settings Settings) *Supervisor {
	return &Supervisor{
		decoder:  decode.New(schema),
		sender:   sender,
		unwinder: unwind.New(),
		settings: settings,
		regs:     liveRegisterIO{},
		resumer:  liveResumer{},
		waiter:   liveWaiter{},
		reader:   liveZStringReader{},
		roller:   mathRandRoller{},
		children: map[int]*childInfo{},

		setOptions: setTraceOptions,
	}
}

// NewWithDeps builds a Supervisor with injected backends, for tests that
// drive the dispatch logic without a real tracee. It does not set ptrace
// trace options on attach.
func NewWithDeps(schema *magic.Schema, sender *ipc.Sender, settings Settings, regs RegisterIO, resumer Resumer, waiter Waiter, reader ZStringReader, roller Roller) *Supervisor {
	return &Supervisor{
		decoder:  decode.New(schema),
		sender:   sender,
		unwinder: unwind.New(),
		settings: settings,
		regs:     regs,
		resumer:  resumer,
		waiter:   waiter,
		reader:   reader,
		roller:   roller,
		children: map[int]*childInfo{},

		setOptions: func(int) error { return nil },
	}
}

// Run drives the wait loop until every descendant of rootPID has exited,
// then emits the terminal Eos (spec §4.4, "Termination"). rootPID itself
// is never special-cased: the all-children wait (Waiter) and the
// unknown-pid dispatch row treat it exactly like any clone/fork
// descendant; the parameter exists only so callers can't start a loop
// with no process to actually wait for.
func (s *Supervisor) Run(rootPID int) error {
	if rootPID <= 0 {
		return fmt.Errorf("tracer: invalid root pid %d", rootPID)
	}

	s.children = map[int]*childInfo{}
	started := false

	for {
		pid, ws, err := s.waiter.WaitAny()
		if err != nil {
			return err
		}
		started = true

		if err := s.handleStop(pid, ws); err != nil {
			return err
		}

		if started && len(s.children) == 0 {
			break
		}
	}

	return s.sender.Send(event.EOS())
}

func (s *Supervisor) handleStop(pid int, ws syscall.WaitStatus) error {
	info, known := s.children[pid]
	if !known {
		if !ws.Stopped() {
			log.WithField("pid", pid).Error("tracer: unknown pid reported a non-stop status, ignoring")
			return nil
		}
		return s.handleAttach(pid)
	}

	switch {
	case ws.Exited():
		delete(s.children, pid)
		return s.sender.Send(event.Exit(uint32(pid), int32(ws.ExitStatus())))

	case ws.Signaled():
		// The tracee is gone; there's nothing left to resume. Reported as
		// an Exit using the conventional 128+signal code.
		delete(s.children, pid)
		return s.sender.Send(event.Exit(uint32(pid), int32(128+ws.Signal())))

	case ws.Stopped():
		return s.handleStopped(pid, info, ws)

	default:
		log.WithField("pid", pid).Error("tracer: unrecognized wait status, resuming unchanged")
		return s.resume(pid, 0)
	}
}

func (s *Supervisor) handleAttach(pid int) error {
	if err := s.setOptions(pid); err != nil {
		return err
	}
	s.children[pid] = &childInfo{}
	if err := s.sender.Send(event.Attach(uint32(pid))); err != nil {
		return err
	}
	return s.resume(pid, 0)
}

func (s *Supervisor) handleStopped(pid int, info *childInfo, ws syscall.WaitStatus) error {
	sig := ws.StopSignal()

	switch {
	case sig == syscallStopSignal:
		return s.handleSyscallStop(pid, info)

	case sig == syscall.SIGTRAP && ws.TrapCause() > 0:
		// A clone/fork/vfork/exec/exit notification: no event, just resume
		// (spec §4.4 dispatch table, "PtraceEvent(...)").
		return s.resume(pid, 0)

	default:
		name, _ := decode.SignalName(int32(sig))
		if err := s.sender.Send(event.SignalEvent(uint32(pid), int32(sig), name)); err != nil {
			return err
		}
		return s.resume(pid, int(sig))
	}
}

// handleSyscallStop implements syscall entry/exit parity, event
// filtering, fault injection and backtrace capture (spec §4.4).
func (s *Supervisor) handleSyscallStop(pid int, info *childInfo) error {
	info.inSyscall = !info.inSyscall
	isEntry := info.inSyscall

	regs, err := s.regs.GetRegs(pid)
	if err != nil {
		return err
	}
	raw := regs.toRaw()

	if !isEntry && info.spoil != nil {
		raw.SyscallID = info.spoil.originalSyscallID
		raw.Ret = uint64(int64(-eioErrno))
		regs.OrigRax = raw.SyscallID
		regs.Rax = raw.Ret
		if err := s.regs.SetRegs(pid, regs); err != nil {
			return fmt.Errorf("tracer: restoring spoiled exit regs pid=%d: %w", pid, err)
		}
		info.spoil = nil
	}

	def, known := s.decoder.Lookup(raw)
	strategy := unknownSyscallStrategy
	if known {
		strategy = def.Strategy
	}
	emit := (isEntry && strategy.OnEnter) || (!isEntry && strategy.OnExit)

	var decoded *event.Syscall
	if emit {
		decoded = s.decoder.Decode(pid, raw, !isEntry)
		if isEntry && s.settings.Backtrace && decoded != nil {
			if bt, err := s.unwinder.Capture(pid); err != nil {
				log.WithField("pid", pid).Error("tracer: backtrace capture failed: " + err.Error())
			} else {
				decoded.Backtrace = bt
			}
		}
	}

	if isEntry && known && info.spoil == nil && s.settings.FailPathPrefix != "" {
		s.maybeSpoilEntry(pid, info, regs, def, raw)
	}

	if emit {
		var ev event.Event
		if isEntry {
			ev = event.Sysenter(uint32(pid), raw, decoded)
		} else {
			ev = event.Sysexit(uint32(pid), raw, decoded)
		}
		if err := s.sender.Send(ev); err != nil {
			return err
		}
	}

	return s.resume(pid, 0)
}

// maybeSpoilEntry performs the two-step fault-injection rewrite's first
// half (spec §4.4, "Fault injection").
func (s *Supervisor) maybeSpoilEntry(pid int, info *childInfo, regs Registers, def *magic.SyscallDef, raw event.RawSyscall) {
	idx, ok := spoilPathArgIndex(def.Name)
	if !ok {
		return
	}
	path, ok := s.reader.ReadZString(pid, raw.Args[idx])
	if !ok || !pathMatchesPrefix(string(path), s.settings.FailPathPrefix) {
		return
	}
	if s.roller.Roll() >= s.settings.InjectionRate {
		return
	}

	info.spoil = &spoilState{originalSyscallID: raw.SyscallID}
	regs.OrigRax = noopSyscallID
	regs.Rax = noopSyscallID
	if err := s.regs.SetRegs(pid, regs); err != nil {
		log.WithField("pid", pid).Error("tracer: spoil entry rewrite failed: " + err.Error())
		info.spoil = nil
	}
}

func (s *Supervisor) resume(pid int, sig int) error {
	return s.resumer.Resume(pid, sig)
}
