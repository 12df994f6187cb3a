// Package launch is the child launcher (spec component G / §4.6): it
// starts a new process already under ptrace, so that the supervisor's
// first observed stop happens before the child's first user instruction.
//
// Grounded on os.StartProcess + syscall.SysProcAttr{Ptrace: true}, the
// pattern
// _examples/other_examples/18514cdb_golang-debug__program-server-server.go.go
// and its near-duplicate 011935c3_superajun-wsj-debug use to launch a
// traced debuggee. That pattern relies on the kernel's own behavior for a
// PTRACE_TRACEME'd process: the first successful execve() delivers a
// SIGTRAP stop before any of the target's code runs, which is the
// equivalent of original_source/src/child.rs's explicit
// "traceme(); raise(SIGSTOP)" -- Go's forkAndExecInChild gives no hook to
// run code between fork and exec, so the exec-trap stands in for the
// self-raised stop. Either way the supervisor's dispatch table (spec
// §4.4) treats the first stop from an unknown pid as Attach, so the
// observable contract is identical.
package launch

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// CommandPayload execs filename with argv/env after the traceme handshake
// (spec §4.6, "Payload::Cmd").
type CommandPayload struct {
	Path string
	Argv []string
	Env  []string
}

// ClosurePayload names a callable registered with Register to run in the
// traced child after the handshake (spec §4.6, "Payload::Fn"). Go can't
// safely run arbitrary code between a raw fork and exec, so this is
// implemented as a self-reexec: the child runs the same lxtrace binary
// with ReexecEnvVar set, and RunIfReexec (called first thing in main)
// invokes the registered function and exits with its result.
type ClosurePayload struct {
	Name string
}

// Payload is exactly one of Command or Closure (spec §3 "Payload").
type Payload struct {
	Command *CommandPayload
	Closure *ClosurePayload
}

// Launch starts payload as a freshly traced child and returns its
// *os.Process once the fork+exec has happened. The caller (the
// supervisor) still needs to observe the initial stop via its normal wait
// loop; Launch does not wait.
func Launch(p Payload) (*os.Process, error) {
	switch {
	case p.Command != nil:
		return launchCommand(*p.Command)
	case p.Closure != nil:
		return launchClosure(*p.Closure)
	default:
		return nil, errors.New("launch: payload has neither Command nor Closure set")
	}
}

func launchCommand(c CommandPayload) (*os.Process, error) {
	argv := c.Argv
	if len(argv) == 0 {
		argv = []string{c.Path}
	}
	return startTraced(c.Path, argv, c.Env)
}

func launchClosure(c ClosurePayload) (*os.Process, error) {
	if _, ok := lookup(c.Name); !ok {
		return nil, fmt.Errorf("launch: no closure registered as %q", c.Name)
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("launch: resolving own executable: %w", err)
	}
	env := append(os.Environ(), ReexecEnvVar+"="+c.Name)
	return startTraced(self, []string{self}, env)
}

func startTraced(path string, argv, env []string) (*os.Process, error) {
	return os.StartProcess(path, argv, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Pdeathsig: syscall.SIGKILL,
		},
	})
}
