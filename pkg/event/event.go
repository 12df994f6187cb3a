// Package event is the shared data model (spec §3): the raw register
// snapshot, the decoded value sum type, the decoded syscall, the backtrace
// shape and the event envelope the whole pipeline passes around. It has no
// behavior of its own — decoding lives in pkg/decode, capture lives in
// pkg/tracer/pkg/unwind — so every other package can depend on it without
// import cycles.
package event

import "encoding/json"

// RawSyscall is the 6-register snapshot captured at a syscall-stop. Only
// the low 24 bits of SyscallID are significant (x86-64 convention; see
// spec.md design notes on the 24-bit mask).
type RawSyscall struct {
	SyscallID uint64    `json:"syscall_id"`
	Args      [6]uint64 `json:"args"`
	Ret       uint64    `json:"ret"`
}

// MaskedID returns the syscall number with the low 24 bits kept, consistent
// across every place the number is read off orig_rax.
func (r RawSyscall) MaskedID() uint64 {
	return r.SyscallID & 0xFFFFFF
}

// ValueKind tags the Value sum type for JSON and for switch exhaustiveness.
type ValueKind string

const (
	KindIntegral ValueKind = "integral"
	KindHandle   ValueKind = "handle"
	KindString   ValueKind = "string"
	KindBuffer   ValueKind = "buffer"
	KindFlags    ValueKind = "flags"
	KindSignal   ValueKind = "signal"
	KindAddress  ValueKind = "address"
	KindError    ValueKind = "error"
	KindUnknown  ValueKind = "unknown"
)

// Value is a decoded syscall argument or return value (spec §3). Exactly
// one of the typed fields is meaningful, selected by Kind; this mirrors a
// tagged union using a flat struct so JSON encoding stays a single object
// per the wire format in spec §6, instead of Go's naturally verbose
// discriminated-interface encoding.
type Value struct {
	Kind ValueKind `json:"kind"`

	Integral int64  `json:"integral,omitempty"`
	RawFD    uint32 `json:"raw_fd,omitempty"`
	RayID    *uint64 `json:"ray_id,omitempty"`
	Str      string  `json:"str,omitempty"`
	Bytes    []byte  `json:"bytes,omitempty"`
	FlagBits uint64   `json:"flag_bits,omitempty"`
	FlagNames []string `json:"flag_names,omitempty"`
	SigCode  int32   `json:"sig_code,omitempty"`
	SigName  string  `json:"sig_name,omitempty"`
	Address  uint64  `json:"address,omitempty"`
	Errno    int32   `json:"errno,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Unknown is the value produced whenever a slot cannot be decoded.
var Unknown = Value{Kind: KindUnknown}

// Integral constructs a decoded signed-integer value.
func Integral(v int64) Value { return Value{Kind: KindIntegral, Integral: v} }

// Handle constructs a decoded file-descriptor value. rayID is always nil
// today; the field exists so a future open/dup/close correlation tracker
// can populate it without a data-model break (spec §9, "Ray-id on handles").
func Handle(fd uint32, rayID *uint64) Value {
	return Value{Kind: KindHandle, RawFD: fd, RayID: rayID}
}

// String constructs a decoded NUL-terminated string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Buffer constructs a decoded fixed-length buffer value.
func Buffer(b []byte) Value { return Value{Kind: KindBuffer, Bytes: b} }

// Flags constructs a decoded bitmask value with resolved flag names.
func Flags(bits uint64, names []string) Value {
	return Value{Kind: KindFlags, FlagBits: bits, FlagNames: names}
}

// Signal constructs a decoded signal value.
func Signal(code int32, name string) Value {
	return Value{Kind: KindSignal, SigCode: code, SigName: name}
}

// Address constructs a decoded opaque pointer value.
func Address(addr uint64) Value { return Value{Kind: KindAddress, Address: addr} }

// Error constructs the decoded return value for the kernel's small-negative
// errno convention (spec §4.3).
func Error(errno int32, message string) Value {
	return Value{Kind: KindError, Errno: errno, Message: message}
}

// Syscall is a fully or partially decoded syscall (spec §3).
type Syscall struct {
	Name      string     `json:"name"`
	Args      []Value    `json:"args"`
	Ret       *Value     `json:"ret,omitempty"`
	Backtrace *Backtrace `json:"backtrace,omitempty"`
}

// Symbol describes a resolved address in a tracee's binary. Demangling of
// RawName is deferred to consumers (spec §4.7).
type Symbol struct {
	RawName string `json:"raw_name"`
	Offset  uint64 `json:"offset"`
	Addr    uint64 `json:"addr"`
	Size    uint64 `json:"size"`
}

// Frame is a single unwound program-counter value, optionally resolved to
// a Symbol.
type Frame struct {
	IP  uint64  `json:"ip"`
	Sym *Symbol `json:"sym,omitempty"`
}

// ThreadBacktrace is the unwound stack of a single thread in a tracee.
type ThreadBacktrace struct {
	Name   *string `json:"name,omitempty"`
	ID     uint32  `json:"id"`
	Frames []Frame `json:"frames"`
}

// Backtrace is a multi-thread userspace backtrace captured at a stop.
type Backtrace struct {
	Threads []ThreadBacktrace `json:"threads"`
}

// PayloadKind tags the Event payload for JSON (spec §6: "kind" field of the
// kebab-variant shape).
type PayloadKind string

const (
	PayloadAttach   PayloadKind = "attach"
	PayloadSysenter PayloadKind = "sysenter"
	PayloadSysexit  PayloadKind = "sysexit"
	PayloadSignal   PayloadKind = "signal"
	PayloadExit     PayloadKind = "exit"
	PayloadEOS      PayloadKind = "eos"
)

// SyscallStop carries the raw register snapshot and, when decoding
// succeeded, the typed Syscall, for a Sysenter or Sysexit event.
type SyscallStop struct {
	Raw     RawSyscall `json:"raw"`
	Decoded *Syscall   `json:"decoded,omitempty"`
}

// SignalStop describes a signal delivered to a tracee (spec §4.4).
type SignalStop struct {
	Raw     int32  `json:"raw"`
	Decoded string `json:"decoded"`
}

// Payload is the discriminated body of an Event. Exactly one of the
// pointer fields is set, chosen by Kind; MarshalJSON/UnmarshalJSON project
// this onto spec §6's wire shape, `{"kind": "<kebab-variant>", "data":
// <variant-body>}`, rather than exposing the Go field names directly.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	Sysenter *SyscallStop
	Sysexit  *SyscallStop
	Signal   *SignalStop
	ExitCode *int32
}

// payloadWire is the on-the-wire shape of a Payload (spec §6).
type payloadWire struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON implements spec §6's `{"kind":..., "data":...}` envelope.
func (p Payload) MarshalJSON() ([]byte, error) {
	var body interface{}
	switch p.Kind {
	case PayloadSysenter:
		body = p.Sysenter
	case PayloadSysexit:
		body = p.Sysexit
	case PayloadSignal:
		body = p.Signal
	case PayloadExit:
		if p.ExitCode != nil {
			body = *p.ExitCode
		}
	}

	wire := payloadWire{Kind: p.Kind}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		wire.Data = data
	}
	return json.Marshal(wire)
}

// UnmarshalJSON reverses MarshalJSON's envelope back into the typed
// pointer fields.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var wire payloadWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	p.Kind = wire.Kind

	switch wire.Kind {
	case PayloadSysenter:
		var s SyscallStop
		if len(wire.Data) > 0 {
			if err := json.Unmarshal(wire.Data, &s); err != nil {
				return err
			}
		}
		p.Sysenter = &s
	case PayloadSysexit:
		var s SyscallStop
		if len(wire.Data) > 0 {
			if err := json.Unmarshal(wire.Data, &s); err != nil {
				return err
			}
		}
		p.Sysexit = &s
	case PayloadSignal:
		var s SignalStop
		if len(wire.Data) > 0 {
			if err := json.Unmarshal(wire.Data, &s); err != nil {
				return err
			}
		}
		p.Signal = &s
	case PayloadExit:
		var code int32
		if len(wire.Data) > 0 {
			if err := json.Unmarshal(wire.Data, &code); err != nil {
				return err
			}
		}
		p.ExitCode = &code
	}
	return nil
}

// Event is { pid, payload } (spec §3). pid is 0 only for the terminal Eos
// event.
type Event struct {
	PID     uint32  `json:"pid"`
	Payload Payload `json:"payload"`
}

// Attach builds a new-attach event for pid.
func Attach(pid uint32) Event {
	return Event{PID: pid, Payload: Payload{Kind: PayloadAttach}}
}

// Sysenter builds a syscall-entry event.
func Sysenter(pid uint32, raw RawSyscall, decoded *Syscall) Event {
	return Event{PID: pid, Payload: Payload{Kind: PayloadSysenter, Sysenter: &SyscallStop{Raw: raw, Decoded: decoded}}}
}

// Sysexit builds a syscall-exit event.
func Sysexit(pid uint32, raw RawSyscall, decoded *Syscall) Event {
	return Event{PID: pid, Payload: Payload{Kind: PayloadSysexit, Sysexit: &SyscallStop{Raw: raw, Decoded: decoded}}}
}

// SignalEvent builds a signal-delivery event.
func SignalEvent(pid uint32, raw int32, decoded string) Event {
	return Event{PID: pid, Payload: Payload{Kind: PayloadSignal, Signal: &SignalStop{Raw: raw, Decoded: decoded}}}
}

// Exit builds a process-exit event.
func Exit(pid uint32, code int32) Event {
	return Event{PID: pid, Payload: Payload{Kind: PayloadExit, ExitCode: &code}}
}

// EOS builds the single terminal end-of-stream event.
func EOS() Event {
	return Event{PID: 0, Payload: Payload{Kind: PayloadEOS}}
}
