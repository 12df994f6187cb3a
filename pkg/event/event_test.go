package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These assert the wire shape spec §6 defines:
// {"pid":..., "payload":{"kind":"<kebab-variant>", "data":<variant-body>}}.

func TestMarshalSysenterUsesDataEnvelope(t *testing.T) {
	ev := Sysenter(7, RawSyscall{SyscallID: 1}, nil)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	payload := raw["payload"].(map[string]interface{})
	assert.Equal(t, "sysenter", payload["kind"])
	body, ok := payload["data"].(map[string]interface{})
	require.True(t, ok, "payload.data must carry the SyscallStop body")
	assert.Contains(t, body, "raw")
}

func TestMarshalExitDataIsBareInt(t *testing.T) {
	ev := Exit(3, 42)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	payload := raw["payload"].(map[string]interface{})
	assert.Equal(t, "exit", payload["kind"])
	assert.EqualValues(t, 42, payload["data"])
}

func TestMarshalAttachOmitsData(t *testing.T) {
	ev := Attach(9)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	payload := raw["payload"].(map[string]interface{})
	assert.Equal(t, "attach", payload["kind"])
	_, hasData := payload["data"]
	assert.False(t, hasData, "attach carries no payload body")
}

func TestPayloadRoundTripsThroughJSON(t *testing.T) {
	for _, want := range []Event{
		Attach(1),
		Sysenter(1, RawSyscall{SyscallID: 1}, nil),
		Sysexit(1, RawSyscall{SyscallID: 1, Ret: 2}, &Syscall{Name: "write", Args: []Value{Integral(3)}}),
		SignalEvent(1, 10, "SIGUSR1"),
		Exit(1, 0),
		EOS(),
	} {
		data, err := json.Marshal(want)
		require.NoError(t, err)

		var got Event
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, want, got)
	}
}
