package magic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMagic = `
syscall [id=1, kind=inout] write {
    fd fd
    [len=count] buf buf
    count num
    ret num
}

syscall [id=2] open {
    path zstring
    ret fd
}
`

func TestParseBasic(t *testing.T) {
	schema, err := Parse(sampleMagic)
	require.NoError(t, err)
	require.Len(t, schema.Syscalls, 2)

	write, ok := schema.LookupSyscallByID(1)
	require.True(t, ok)
	assert.Equal(t, "write", write.Name)
	assert.True(t, write.Strategy.OnEnter)
	assert.True(t, write.Strategy.OnExit)
	require.Len(t, write.Body, 4)
	assert.Equal(t, []string{"count"}, write.Body[1].LenRef)

	open, ok := schema.LookupSyscallByID(2)
	require.True(t, ok)
	// absent kind defaults to on_exit only (spec §4.1).
	assert.False(t, open.Strategy.OnEnter)
	assert.True(t, open.Strategy.OnExit)
}

func TestUnknownTypeIsFatal(t *testing.T) {
	_, err := Parse(`syscall [id=1] foo { x bogus ret num }`)
	assert.Error(t, err)
}

func TestMissingIDIsFatal(t *testing.T) {
	_, err := Parse(`syscall foo { ret num }`)
	assert.Error(t, err)
}

func TestBufferWithoutLenIsFatal(t *testing.T) {
	_, err := Parse(`syscall [id=1] foo { b buf ret num }`)
	assert.Error(t, err)
}

func TestBufferLenMustBeLaterSibling(t *testing.T) {
	// count occurs BEFORE buf in the body, so it's evaluated later
	// (reverse-index order) than buf, violating the §3 invariant.
	_, err := Parse(`syscall [id=1] foo { count num [len=count] buf buf ret num }`)
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	schema, err := Parse(sampleMagic)
	require.NoError(t, err)

	reloaded, err := Parse(Serialize(schema))
	require.NoError(t, err)
	require.Len(t, reloaded.Syscalls, len(schema.Syscalls))

	for _, orig := range schema.Syscalls {
		got, ok := reloaded.LookupSyscallByID(orig.ID)
		require.True(t, ok)
		assert.Equal(t, orig.Name, got.Name)
		assert.Equal(t, orig.Strategy, got.Strategy)
		require.Len(t, got.Body, len(orig.Body))
		for i, f := range orig.Body {
			assert.Equal(t, f.Name, got.Body[i].Name)
			assert.Equal(t, f.TypeStr, got.Body[i].TypeStr)
			assert.Equal(t, f.LenRef, got.Body[i].LenRef)
		}
	}
}

func TestBuiltinSchemaLoads(t *testing.T) {
	s := Builtin()
	require.NotEmpty(t, s.Syscalls)
	_, ok := s.LookupSyscallByID(1)
	assert.True(t, ok, "builtin magic should define write (id=1)")
}
