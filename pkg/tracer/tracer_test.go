//go:build linux && amd64

package tracer

import (
	"bytes"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendulm/lxtrace/pkg/event"
	"github.com/pendulm/lxtrace/pkg/ipc"
	"github.com/pendulm/lxtrace/pkg/magic"
)

// fakeRegs lets tests script a sequence of register snapshots per pid,
// one per GetRegs call, and records every SetRegs write.
type fakeRegs struct {
	sequence map[int][]Registers
	index    map[int]int
	written  []Registers
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{sequence: map[int][]Registers{}, index: map[int]int{}}
}

func (f *fakeRegs) push(pid int, r Registers) {
	f.sequence[pid] = append(f.sequence[pid], r)
}

func (f *fakeRegs) GetRegs(pid int) (Registers, error) {
	i := f.index[pid]
	seq := f.sequence[pid]
	if i >= len(seq) {
		return Registers{}, nil
	}
	f.index[pid] = i + 1
	return seq[i], nil
}

func (f *fakeRegs) SetRegs(pid int, r Registers) error {
	f.written = append(f.written, r)
	return nil
}

type fakeResumer struct {
	resumed []int // signal values passed to Resume
}

func (f *fakeResumer) Resume(pid int, sig int) error {
	f.resumed = append(f.resumed, sig)
	return nil
}

type fakeWaiter struct {
	stops []waitStop
	i     int
}

type waitStop struct {
	pid int
	ws  syscall.WaitStatus
}

func (f *fakeWaiter) WaitAny() (int, syscall.WaitStatus, error) {
	s := f.stops[f.i]
	f.i++
	return s.pid, s.ws, nil
}

type fakeZReader struct {
	strings map[uint64]string
}

func (f fakeZReader) ReadZString(pid int, addr uint64) ([]byte, bool) {
	s, ok := f.strings[addr]
	if !ok {
		return nil, false
	}
	return []byte(s), true
}

type fixedRoller struct{ v int }

func (r fixedRoller) Roll() int { return r.v }

// syscallStopStatus builds a WaitStatus representing PTRACE_O_TRACESYSGOOD
// syscall-stop, matching how Go's own syscall package packs it (stopped,
// high byte = signal).
func syscallStopStatus() syscall.WaitStatus {
	return syscall.WaitStatus(0x7F | (int(syscallStopSignal) << 8))
}

func exitedStatus(code int) syscall.WaitStatus {
	return syscall.WaitStatus(code << 8)
}

func collectEvents(t *testing.T, buf *bytes.Buffer) []event.Event {
	t.Helper()
	r := ipc.NewReceiver(buf)
	var out []event.Event
	for {
		ev, err := r.Recv()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

func TestAttachThenExitEmitsAttachAndExitAndResumes(t *testing.T) {
	var buf bytes.Buffer
	sender := ipc.NewSender(&buf)

	waiter := &fakeWaiter{stops: []waitStop{
		{pid: 100, ws: syscall.WaitStatus(0x7F | (int(syscall.SIGSTOP) << 8))}, // unknown pid -> Attach
		{pid: 100, ws: exitedStatus(0)},
	}}
	resumer := &fakeResumer{}
	sup := NewWithDeps(magic.Builtin(), sender, Settings{}, newFakeRegs(), resumer, waiter, fakeZReader{}, fixedRoller{v: 0})

	require.NoError(t, sup.Run(100))

	events := collectEvents(t, &buf)
	require.Len(t, events, 3)
	assert.Equal(t, event.PayloadAttach, events[0].Payload.Kind)
	assert.Equal(t, event.PayloadExit, events[1].Payload.Kind)
	assert.Equal(t, event.PayloadEOS, events[2].Payload.Kind)
	assert.Len(t, resumer.resumed, 1, "only the attach stop should resume; exit must not")
}

func TestWriteSyscallEntryExitEmitsDecodedEvents(t *testing.T) {
	var buf bytes.Buffer
	sender := ipc.NewSender(&buf)

	regs := newFakeRegs()
	// write(fd=1, buf=0x1000, count=2) entry, then exit with ret=2.
	regs.push(100, Registers{OrigRax: 1, Rdi: 1, Rsi: 0x1000, Rdx: 2})
	regs.push(100, Registers{OrigRax: 1, Rdi: 1, Rsi: 0x1000, Rdx: 2, Rax: 2})

	waiter := &fakeWaiter{stops: []waitStop{
		{pid: 100, ws: syscall.WaitStatus(0x7F | (int(syscall.SIGSTOP) << 8))},
		{pid: 100, ws: syscallStopStatus()}, // entry
		{pid: 100, ws: syscallStopStatus()}, // exit
		{pid: 100, ws: exitedStatus(0)},
	}}
	resumer := &fakeResumer{}
	reader := fakeZReader{}
	sup := NewWithDeps(magic.Builtin(), sender, Settings{}, regs, resumer, waiter, reader, fixedRoller{v: 0})

	require.NoError(t, sup.Run(100))

	events := collectEvents(t, &buf)
	require.Len(t, events, 5) // Attach, Sysenter, Sysexit, Exit, Eos
}

func TestUnknownSyscallEmitsBothEntryAndExit(t *testing.T) {
	var buf bytes.Buffer
	sender := ipc.NewSender(&buf)

	regs := newFakeRegs()
	regs.push(100, Registers{OrigRax: 9999})
	regs.push(100, Registers{OrigRax: 9999, Rax: 0})

	waiter := &fakeWaiter{stops: []waitStop{
		{pid: 100, ws: syscall.WaitStatus(0x7F | (int(syscall.SIGSTOP) << 8))},
		{pid: 100, ws: syscallStopStatus()},
		{pid: 100, ws: syscallStopStatus()},
		{pid: 100, ws: exitedStatus(0)},
	}}
	sup := NewWithDeps(magic.Builtin(), sender, Settings{}, regs, &fakeResumer{}, waiter, fakeZReader{}, fixedRoller{v: 0})
	require.NoError(t, sup.Run(100))

	events := collectEvents(t, &buf)
	var enter, exit bool
	for _, ev := range events {
		if ev.Payload.Kind == event.PayloadSysenter {
			enter = true
		}
		if ev.Payload.Kind == event.PayloadSysexit {
			exit = true
		}
	}
	assert.True(t, enter)
	assert.True(t, exit)
}

func TestReadOnlyOnExitStrategySuppressesEntryEvent(t *testing.T) {
	var buf bytes.Buffer
	sender := ipc.NewSender(&buf)

	regs := newFakeRegs()
	// close(fd=3) -> kind=out, strategy OnExit only.
	regs.push(100, Registers{OrigRax: 3, Rdi: 3})
	regs.push(100, Registers{OrigRax: 3, Rdi: 3, Rax: 0})

	waiter := &fakeWaiter{stops: []waitStop{
		{pid: 100, ws: syscall.WaitStatus(0x7F | (int(syscall.SIGSTOP) << 8))},
		{pid: 100, ws: syscallStopStatus()},
		{pid: 100, ws: syscallStopStatus()},
		{pid: 100, ws: exitedStatus(0)},
	}}
	sup := NewWithDeps(magic.Builtin(), sender, Settings{}, regs, &fakeResumer{}, waiter, fakeZReader{}, fixedRoller{v: 0})
	require.NoError(t, sup.Run(100))

	events := collectEvents(t, &buf)
	for _, ev := range events {
		assert.NotEqual(t, event.PayloadSysenter, ev.Payload.Kind, "close's strategy is on_exit only")
	}
}

func TestSignalStopEmitsSignalEventAndInjectsOnResume(t *testing.T) {
	var buf bytes.Buffer
	sender := ipc.NewSender(&buf)

	waiter := &fakeWaiter{stops: []waitStop{
		{pid: 100, ws: syscall.WaitStatus(0x7F | (int(syscall.SIGSTOP) << 8))},
		{pid: 100, ws: syscall.WaitStatus(0x7F | (int(syscall.SIGUSR1) << 8))},
		{pid: 100, ws: exitedStatus(0)},
	}}
	resumer := &fakeResumer{}
	sup := NewWithDeps(magic.Builtin(), sender, Settings{}, newFakeRegs(), resumer, waiter, fakeZReader{}, fixedRoller{v: 0})
	require.NoError(t, sup.Run(100))

	events := collectEvents(t, &buf)
	var sawSignal bool
	for _, ev := range events {
		if ev.Payload.Kind == event.PayloadSignal {
			sawSignal = true
			assert.Equal(t, "SIGUSR1", ev.Payload.Signal.Decoded)
		}
	}
	assert.True(t, sawSignal)
	assert.Contains(t, resumer.resumed, int(syscall.SIGUSR1), "the signal must be injected on resume")
}

func TestSpoilRewritesEntryAndExitForMatchingPrefix(t *testing.T) {
	var buf bytes.Buffer
	sender := ipc.NewSender(&buf)

	regs := newFakeRegs()
	// openat(dirfd=-100, path=0x2000, flags=0, mode=0) entry.
	regs.push(100, Registers{OrigRax: 257, Rdi: 0xFFFFFFFFFFFFFF9C, Rsi: 0x2000})
	// exit: kernel actually ran getpid (id 39); tracer must rewrite back.
	regs.push(100, Registers{OrigRax: 39, Rax: 39})

	waiter := &fakeWaiter{stops: []waitStop{
		{pid: 100, ws: syscall.WaitStatus(0x7F | (int(syscall.SIGSTOP) << 8))},
		{pid: 100, ws: syscallStopStatus()},
		{pid: 100, ws: syscallStopStatus()},
		{pid: 100, ws: exitedStatus(0)},
	}}
	reader := fakeZReader{strings: map[uint64]string{0x2000: "/etc/hosts"}}
	settings := Settings{FailPathPrefix: "/etc/", InjectionRate: 100}
	sup := NewWithDeps(magic.Builtin(), sender, settings, regs, &fakeResumer{}, waiter, reader, fixedRoller{v: 0})
	require.NoError(t, sup.Run(100))

	events := collectEvents(t, &buf)
	var exitEvent *event.SyscallStop
	for _, ev := range events {
		if ev.Payload.Kind == event.PayloadSysexit {
			exitEvent = ev.Payload.Sysexit
		}
	}
	require.NotNil(t, exitEvent)
	require.NotNil(t, exitEvent.Decoded)
	require.NotNil(t, exitEvent.Decoded.Ret)
	assert.Equal(t, event.KindError, exitEvent.Decoded.Ret.Kind)
	assert.EqualValues(t, 5, exitEvent.Decoded.Ret.Errno)
	require.Len(t, regs.written, 2, "one rewrite at entry (to getpid) and one at exit (back to openat/EIO)")
	assert.EqualValues(t, noopSyscallID, regs.written[0].OrigRax)
	assert.EqualValues(t, 257, regs.written[1].OrigRax)
}

func TestSpoilSkippedWhenRollExceedsRate(t *testing.T) {
	var buf bytes.Buffer
	sender := ipc.NewSender(&buf)

	regs := newFakeRegs()
	regs.push(100, Registers{OrigRax: 257, Rdi: 0xFFFFFFFFFFFFFF9C, Rsi: 0x2000})
	regs.push(100, Registers{OrigRax: 257, Rdi: 0xFFFFFFFFFFFFFF9C, Rsi: 0x2000, Rax: 3})

	waiter := &fakeWaiter{stops: []waitStop{
		{pid: 100, ws: syscall.WaitStatus(0x7F | (int(syscall.SIGSTOP) << 8))},
		{pid: 100, ws: syscallStopStatus()},
		{pid: 100, ws: syscallStopStatus()},
		{pid: 100, ws: exitedStatus(0)},
	}}
	reader := fakeZReader{strings: map[uint64]string{0x2000: "/etc/hosts"}}
	settings := Settings{FailPathPrefix: "/etc/", InjectionRate: 1}
	sup := NewWithDeps(magic.Builtin(), sender, settings, regs, &fakeResumer{}, waiter, reader, fixedRoller{v: 50})
	require.NoError(t, sup.Run(100))

	assert.Empty(t, regs.written, "a roll >= rate must never rewrite registers")
}

func TestRunRejectsInvalidRootPID(t *testing.T) {
	var buf bytes.Buffer
	sender := ipc.NewSender(&buf)
	sup := NewWithDeps(magic.Builtin(), sender, Settings{}, newFakeRegs(), &fakeResumer{}, &fakeWaiter{}, fakeZReader{}, fixedRoller{v: 0})
	assert.Error(t, sup.Run(0))
}
