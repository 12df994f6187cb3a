package tracer

import (
	"math/rand"
	"strings"
)

// noopSyscallID is the process-id query (getpid), the conventional
// harmless no-op substituted during fault injection (spec §4.4).
const noopSyscallID = 39

// eioErrno is the standard "I/O error" errno fabricated on a spoiled exit.
const eioErrno = 5

// spoilState marks a pid mid-injection: the entry stop substituted
// noopSyscallID for originalSyscallID, and the following exit stop must
// restore it (spec §4.4).
type spoilState struct {
	originalSyscallID uint64
}

// Roller abstracts the probabilistic roll so tests can force both the 1%
// and 100% paths deterministically (DESIGN.md "Open Questions resolved").
type Roller interface {
	// Roll returns a value in [0, 100); injection happens when it is less
	// than the configured rate.
	Roll() int
}

type mathRandRoller struct{}

func (mathRandRoller) Roll() int { return rand.Intn(100) }

// spoilPathArgIndex returns which positional argument index carries the path
// for open/openat, per spec §4.4 ("arg 0 for open, arg 1 for openat" --
// positions in the schema's own left-to-right parameter list).
func spoilPathArgIndex(syscallName string) (int, bool) {
	switch syscallName {
	case "open":
		return 0, true
	case "openat":
		return 1, true
	default:
		return -1, false
	}
}

func pathMatchesPrefix(path string, prefix string) bool {
	return prefix != "" && strings.HasPrefix(path, prefix)
}
