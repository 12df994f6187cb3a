// Package ipc is the event channel (spec component F / §4.5): a
// length-prefixed, self-describing (JSON) framing over a socket pair
// between the supervisor process and the relay side of the initial
// process.
//
// Grounded on
// _examples/Talismancer-gvisor-ligolo/runsc/sandbox/sandbox.go's
// unix.Socketpair usage for donating a synchronization fd across a
// fork/exec boundary, and on stdlib encoding/json for the wire encoding
// (spec §6 defines a plain JSON object per event; no third-party framing
// or serialization library appears anywhere in the pack for this kind of
// local IPC).
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pendulm/lxtrace/pkg/event"
)

// DefaultMaxFrameSize bounds ordinary events (spec §4.5: "16 KiB is
// sufficient for all events except backtraces").
const DefaultMaxFrameSize = 16 * 1024

// MaxBacktraceFrameSize is the hard cap applied when a frame may carry a
// backtrace; oversize backtrace payloads are truncated by the sender
// rather than rejected outright by the receiver (spec §4.5, "...must size
// the buffer accordingly or truncate").
const MaxBacktraceFrameSize = 256 * 1024

// Sender writes length-prefixed JSON frames to an underlying writer (one
// end of a socket pair, or any io.Writer in tests).
type Sender struct {
	w io.Writer
}

// NewSender wraps w for framed event writes.
func NewSender(w io.Writer) *Sender {
	return &Sender{w: w}
}

// Send encodes ev as JSON and writes it as a 4-byte big-endian
// length-prefixed frame. Events carrying a backtrace are allowed up to
// MaxBacktraceFrameSize; a backtrace that still doesn't fit is dropped
// (truncated to nil) rather than failing the whole send, since capture is
// optional and best-effort by design (spec §4.4 backtrace-soft handling).
func (s *Sender) Send(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ipc: marshal event: %w", err)
	}

	limit := DefaultMaxFrameSize
	if hasBacktrace(ev) {
		limit = MaxBacktraceFrameSize
	}
	if len(data) > limit {
		if hasBacktrace(ev) {
			stripBacktrace(&ev)
			data, err = json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("ipc: marshal event after truncation: %w", err)
			}
		}
		if len(data) > limit {
			return fmt.Errorf("ipc: frame of %d bytes exceeds %d-byte cap", len(data), limit)
		}
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipc: write frame length: %w", err)
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

func hasBacktrace(ev event.Event) bool {
	switch ev.Payload.Kind {
	case event.PayloadSysenter:
		return ev.Payload.Sysenter != nil && ev.Payload.Sysenter.Decoded != nil && ev.Payload.Sysenter.Decoded.Backtrace != nil
	case event.PayloadSysexit:
		return ev.Payload.Sysexit != nil && ev.Payload.Sysexit.Decoded != nil && ev.Payload.Sysexit.Decoded.Backtrace != nil
	default:
		return false
	}
}

func stripBacktrace(ev *event.Event) {
	switch ev.Payload.Kind {
	case event.PayloadSysenter:
		ev.Payload.Sysenter.Decoded.Backtrace = nil
	case event.PayloadSysexit:
		ev.Payload.Sysexit.Decoded.Backtrace = nil
	}
}

// Receiver reads length-prefixed JSON frames from an underlying reader.
type Receiver struct {
	r *bufio.Reader
}

// NewReceiver wraps r for framed event reads.
func NewReceiver(r io.Reader) *Receiver {
	return &Receiver{r: bufio.NewReader(r)}
}

// Recv blocks for the next frame and decodes it. It returns io.EOF when
// the underlying connection is closed cleanly.
func (r *Receiver) Recv() (event.Event, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return event.Event{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxBacktraceFrameSize {
		return event.Event{}, fmt.Errorf("ipc: frame of %d bytes exceeds %d-byte hard cap", n, MaxBacktraceFrameSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return event.Event{}, fmt.Errorf("ipc: reading frame body: %w", err)
	}

	var ev event.Event
	if err := json.Unmarshal(buf, &ev); err != nil {
		return event.Event{}, fmt.Errorf("ipc: decoding frame: %w", err)
	}
	return ev, nil
}
