package ipc

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendulm/lxtrace/pkg/event"
)

func TestSendRecvRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf)
	r := NewReceiver(&buf)

	want := event.Attach(7)
	require.NoError(t, s.Send(want))

	got, err := r.Recv()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSendRecvMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf)
	r := NewReceiver(&buf)

	events := []event.Event{
		event.Attach(1),
		event.Sysenter(1, event.RawSyscall{SyscallID: 1}, nil),
		event.Exit(1, 0),
		event.EOS(),
	}
	for _, ev := range events {
		require.NoError(t, s.Send(ev))
	}
	for _, want := range events {
		got, err := r.Recv()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRecvOversizeFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a frame claiming a body larger than the hard cap.
	lenBuf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(lenBuf)

	r := NewReceiver(&buf)
	_, err := r.Recv()
	assert.Error(t, err)
}

func TestSendTruncatesOversizeBacktrace(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf)
	r := NewReceiver(&buf)

	huge := strings.Repeat("a", MaxBacktraceFrameSize)
	decoded := &event.Syscall{
		Name: "write",
		Backtrace: &event.Backtrace{Threads: []event.ThreadBacktrace{{
			Frames: []event.Frame{{Sym: &event.Symbol{RawName: huge}}},
		}}},
	}
	ev := event.Sysexit(1, event.RawSyscall{}, decoded)
	require.NoError(t, s.Send(ev))

	got, err := r.Recv()
	require.NoError(t, err)
	assert.Nil(t, got.Payload.Sysexit.Decoded.Backtrace, "oversize backtrace must be dropped, not fail the send")
}

func TestChannelPreservesOrderAndNeverBlocksSender(t *testing.T) {
	ch := NewChannel()
	for i := 0; i < 100; i++ {
		ch.Send(event.Exit(uint32(i), 0))
	}
	ch.Close()

	var got []event.Event
	for ev := range ch.C() {
		got = append(got, ev)
	}
	require.Len(t, got, 100)
	for i, ev := range got {
		assert.EqualValues(t, i, ev.PID)
	}
}

func TestRelayForwardsUntilEOS(t *testing.T) {
	var buf bytes.Buffer
	s := NewSender(&buf)
	require.NoError(t, s.Send(event.Attach(1)))
	require.NoError(t, s.Send(event.Exit(1, 0)))
	require.NoError(t, s.Send(event.EOS()))

	r := NewReceiver(&buf)
	ch := NewChannel()
	done := Relay(r, ch)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish")
	}

	var got []event.Event
	for ev := range ch.C() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, event.PayloadEOS, got[2].Payload.Kind)
}
