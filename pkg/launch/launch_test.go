package launch

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchRejectsEmptyPayload(t *testing.T) {
	_, err := Launch(Payload{})
	assert.Error(t, err)
}

func TestLaunchClosureRejectsUnregisteredName(t *testing.T) {
	_, err := Launch(Payload{Closure: &ClosurePayload{Name: "does-not-exist"}})
	assert.Error(t, err)
}

func TestRegisterAndLookup(t *testing.T) {
	Register("test-closure-registry", func() int { return 7 })
	fn, ok := lookup("test-closure-registry")
	require.True(t, ok)
	assert.Equal(t, 7, fn())
}

func TestRunIfReexecNoOpWithoutEnvVar(t *testing.T) {
	os.Unsetenv(ReexecEnvVar)
	// Must return rather than exit the test binary.
	RunIfReexec()
}
