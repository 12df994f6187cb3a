package decode

// signalNames maps the standard Linux/x86-64 signal numbers to their
// conventional names (spec §4.3, Primitive(Signal) decoding and spec §4.4's
// Signal event). This is POSIX numbering, not a library concern -- the same
// kind of small fixed table the teacher hardcodes for bit7thSet and
// waitOptWALL.
var signalNames = map[int32]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	10: "SIGUSR1",
	11: "SIGSEGV",
	12: "SIGUSR2",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
	16: "SIGSTKFLT",
	17: "SIGCHLD",
	18: "SIGCONT",
	19: "SIGSTOP",
	20: "SIGTSTP",
	21: "SIGTTIN",
	22: "SIGTTOU",
	23: "SIGURG",
	24: "SIGXCPU",
	25: "SIGXFSZ",
	26: "SIGVTALRM",
	27: "SIGPROF",
	28: "SIGWINCH",
	29: "SIGIO",
	30: "SIGPWR",
	31: "SIGSYS",
}

// SignalName resolves a signal number to its standard name, if known.
func SignalName(code int32) (string, bool) {
	name, ok := signalNames[code]
	return name, ok
}
