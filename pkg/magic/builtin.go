package magic

// builtinMagic is the default schema shipped with the tracer, enough to
// drive spec §8's end-to-end scenarios (S1-S6) without a user-supplied
// magic file. The original Rust source (original_source/src/magic.rs)
// likewise shipped a default JSON magic db; this is the Go-grammar
// equivalent.
const builtinMagic = `
syscall [id=0, kind=inout] read {
    fd fd
    [len=count] buf buf
    count num
    ret num
}

syscall [id=1, kind=inout] write {
    fd fd
    [len=count] buf buf
    count num
    ret num
}

syscall [id=2, kind=inout] open {
    path zstring
    flags num
    mode num
    ret fd
}

syscall [id=3, kind=out] close {
    fd fd
    ret num
}

syscall [id=9, kind=inout] mmap {
    addr address
    len num
    prot num
    flags num
    fd fd
    off num
    ret address
}

syscall [id=11, kind=out] munmap {
    addr address
    len num
    ret num
}

syscall [id=32, kind=inout] dup2 {
    oldfd fd
    newfd fd
    ret fd
}

syscall [id=62, kind=inout] kill {
    pid num
    sig signal
    ret num
}

syscall [id=72, kind=inout] fcntl {
    fd fd
    cmd num
    arg num
    ret num
}

syscall [id=231, kind=in] exit_group {
    code num
    ret num
}

syscall [id=60, kind=in] exit {
    code num
    ret num
}

syscall [id=257, kind=inout] openat {
    dirfd fd
    path zstring
    flags num
    mode num
    ret fd
}
`

// Builtin returns the default schema. It never fails: the constant above is
// validated once, at init time, and a parse failure there is a programming
// error in this package, not a runtime condition.
func Builtin() *Schema {
	return builtinSchema
}

var builtinSchema = mustParseBuiltin()

func mustParseBuiltin() *Schema {
	s, err := Parse(builtinMagic)
	if err != nil {
		panic("magic: builtin schema failed to parse: " + err.Error())
	}
	return s
}
