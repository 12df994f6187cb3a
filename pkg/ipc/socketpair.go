//go:build linux

package ipc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewPair creates a connected pair of framed endpoints over a UNIX domain
// socket pair (spec §4.5): one side is handed to the supervisor process
// (typically donated across a fork), the other stays with the relay.
// Grounded on
// _examples/Talismancer-gvisor-ligolo/runsc/sandbox/sandbox.go's
// unix.Socketpair usage for donating a synchronization fd across exec.
func NewPair() (supervisorEnd, relayEnd *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "lxtrace-supervisor-sock"),
		os.NewFile(uintptr(fds[1]), "lxtrace-relay-sock"),
		nil
}
