//go:build linux && amd64

package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegs struct {
	rip, rbp uint64
}

func (f fakeRegs) GetRegs(pid int) (uint64, uint64, error) { return f.rip, f.rbp, nil }

type fakeMem struct {
	frames map[uint64][2]uint64 // bp -> {savedBP, retAddr}
}

func (m fakeMem) ReadBuf(pid int, addr uint64, length int) ([]byte, bool) {
	if length != 16 {
		return nil, false
	}
	frame, ok := m.frames[addr]
	if !ok {
		return nil, false
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], frame[0])
	binary.LittleEndian.PutUint64(buf[8:16], frame[1])
	return buf, true
}

func TestCaptureWalksFramePointerChain(t *testing.T) {
	mem := fakeMem{frames: map[uint64][2]uint64{
		0x7000: {0x8000, 0x4010}, // leaf frame: saved rbp=0x8000, return addr=0x4010
		0x8000: {0, 0x4020},      // caller frame: no further saved rbp -> stop after this
	}}
	regs := fakeRegs{rip: 0x4000, rbp: 0x7000}

	a := NewWithDeps(mem, regs)
	bt, err := a.Capture(1234)
	require.NoError(t, err)
	require.Len(t, bt.Threads, 1)

	frames := bt.Threads[0].Frames
	require.Len(t, frames, 3)
	assert.Equal(t, uint64(0x4000), frames[0].IP)
	assert.Equal(t, uint64(0x4010), frames[1].IP)
	assert.Equal(t, uint64(0x4020), frames[2].IP)
}

func TestCaptureStopsOnUnreadableFrame(t *testing.T) {
	mem := fakeMem{frames: map[uint64][2]uint64{}}
	regs := fakeRegs{rip: 0x4000, rbp: 0x7000}

	a := NewWithDeps(mem, regs)
	bt, err := a.Capture(1234)
	require.NoError(t, err)
	require.Len(t, bt.Threads[0].Frames, 1, "only the pc from registers, the chain read fails immediately")
}

func TestCaptureDetectsNonIncreasingFramePointer(t *testing.T) {
	mem := fakeMem{frames: map[uint64][2]uint64{
		0x7000: {0x6000, 0x4010}, // savedBP < bp: corrupted chain, must stop
	}}
	regs := fakeRegs{rip: 0x4000, rbp: 0x7000}

	a := NewWithDeps(mem, regs)
	bt, err := a.Capture(1234)
	require.NoError(t, err)
	require.Len(t, bt.Threads[0].Frames, 2)
}

func TestSymtabLookupNilTableMisses(t *testing.T) {
	var tab *symtab
	assert.Nil(t, tab.lookup(0x1234))
}
