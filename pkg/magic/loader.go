package magic

import (
	"fmt"
	"os"
	"strings"
)

// Load reads and parses a magic file from disk. Any failure here is
// schema-fatal (spec §4.1): the caller is expected to log it and exit the
// process rather than treat it as recoverable.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading magic file %s: %w", path, err)
	}
	return Parse(string(data))
}

// Parse builds a Schema from magic-grammar text (spec §6). The TypeDB is
// seeded with the six primitives before any user syscall definition is
// resolved (spec §4.1).
func Parse(src string) (*Schema, error) {
	p := newParser(src)
	raws, err := p.parseMagic()
	if err != nil {
		return nil, err
	}

	db := newTypeDB()
	schema := &Schema{Types: db}

	seen := map[uint64]string{}
	for _, rs := range raws {
		def, err := buildSyscallDef(rs, db)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("syscall id %d redefined (already used by %q, now %q)", def.ID, other, def.Name)
		}
		seen[def.ID] = def.Name
		schema.Syscalls = append(schema.Syscalls, def)
	}
	schema.index()
	return schema, nil
}

func buildSyscallDef(rs rawSyscall, db *TypeDB) (*SyscallDef, error) {
	id, hasID, err := attrInt(rs.attrs, "id")
	if err != nil {
		return nil, err
	}
	if !hasID {
		return nil, fmt.Errorf("%s: syscall %q is missing required attribute id", rs.pos, rs.name)
	}

	strategy, err := strategyFromKind(rs.attrs["kind"])
	if err != nil {
		return nil, fmt.Errorf("%s: syscall %q: %w", rs.pos, rs.name, err)
	}

	if len(rs.fields) == 0 {
		return nil, fmt.Errorf("%s: syscall %q has no fields; the return value field is mandatory", rs.pos, rs.name)
	}
	if len(rs.fields) > 7 {
		return nil, fmt.Errorf("%s: syscall %q has %d fields; at most 6 params + 1 return are allowed", rs.pos, rs.name, len(rs.fields))
	}

	body := make([]FieldDef, len(rs.fields))
	for i, rf := range rs.fields {
		typ, ok := db.Resolve(rf.typeName)
		if !ok {
			return nil, fmt.Errorf("%s: field %q references unknown type %q", rf.pos, rf.name, rf.typeName)
		}
		var lenRef []string
		if lr, ok := rf.attrs["len"]; ok && lr != "" {
			lenRef = strings.Split(lr, ".")
		}
		if kind, isPrim := typ.Primitive(); isPrim && kind == Buffer && len(lenRef) == 0 {
			return nil, fmt.Errorf("%s: buffer field %q is missing mandatory len= attribute", rf.pos, rf.name)
		}
		body[i] = FieldDef{Name: rf.name, Type: typ, TypeStr: rf.typeName, LenRef: lenRef, LenRefIndex: -1}
	}

	if err := validateLenRefOrder(rs.name, body); err != nil {
		return nil, err
	}

	return &SyscallDef{ID: id & 0xFFFFFF, Name: rs.name, Body: body, Strategy: strategy}, nil
}

// validateLenRefOrder enforces spec §3's invariant: a Buffer field's
// len_ref head names a sibling PARAMETER of type Number that occurs
// earlier in evaluation order. Evaluation order is reverse positional
// (spec §4.3), so "earlier in evaluation order" means a strictly HIGHER
// body index than the buffer field itself.
func validateLenRefOrder(syscallName string, body []FieldDef) error {
	byName := make(map[string]int, len(body))
	for i, f := range body {
		byName[f.Name] = i
	}
	for i, f := range body {
		kind, isPrim := f.Type.Primitive()
		if !isPrim || kind != Buffer || len(f.LenRef) == 0 {
			continue
		}
		head := f.LenRef[0]
		j, ok := byName[head]
		if !ok {
			return fmt.Errorf("syscall %q: buffer field %q references unknown sibling %q", syscallName, f.Name, head)
		}
		if j <= i {
			return fmt.Errorf("syscall %q: buffer field %q's len=%q must name a sibling evaluated earlier (later in the param list)", syscallName, f.Name, head)
		}
		if j == len(body)-1 {
			return fmt.Errorf("syscall %q: buffer field %q's len=%q must name a parameter, not the return field", syscallName, f.Name, head)
		}
		sibKind, sibIsPrim := body[j].Type.Primitive()
		if !sibIsPrim || sibKind != Number {
			return fmt.Errorf("syscall %q: buffer field %q's len=%q must name a num field", syscallName, f.Name, head)
		}
		body[i].LenRefIndex = j
	}
	return nil
}

func strategyFromKind(kind string) (Strategy, error) {
	switch kind {
	case "":
		// Absent kind defaults to on_exit only: most syscalls are most
		// informative on return (spec §4.1).
		return Strategy{OnExit: true}, nil
	case "in":
		return Strategy{OnEnter: true}, nil
	case "out":
		return Strategy{OnExit: true}, nil
	case "inout":
		return Strategy{OnEnter: true, OnExit: true}, nil
	default:
		return Strategy{}, fmt.Errorf("unrecognized kind %q (expected in, out or inout)", kind)
	}
}

// Serialize renders a Schema back to magic-grammar text. It exists so
// Parse(Serialize(schema)) round-trips, the testable property spec §8
// invariant 6 requires (equal id/name/field names/type names/strategy).
func Serialize(s *Schema) string {
	var b strings.Builder
	for _, def := range s.Syscalls {
		kind := "out"
		switch {
		case def.Strategy.OnEnter && def.Strategy.OnExit:
			kind = "inout"
		case def.Strategy.OnEnter:
			kind = "in"
		}
		fmt.Fprintf(&b, "syscall [id=%d, kind=%s] %s {\n", def.ID, kind, def.Name)
		for _, f := range def.Body {
			if len(f.LenRef) > 0 {
				fmt.Fprintf(&b, "    [len=%s] %s %s\n", strings.Join(f.LenRef, "."), f.Name, f.TypeStr)
			} else {
				fmt.Fprintf(&b, "    %s %s\n", f.Name, f.TypeStr)
			}
		}
		b.WriteString("}\n")
	}
	return b.String()
}
