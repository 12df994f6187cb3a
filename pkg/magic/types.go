package magic

// PrimitiveKind is one of the six primitive value kinds a syscall field can
// carry (spec §3). The TypeDB is seeded with these six, plus the Null type
// under the name "null", before any user definition is processed.
type PrimitiveKind int

const (
	Fd PrimitiveKind = iota
	Number
	ZString
	Buffer
	Signal
	Address
)

var primitiveNames = map[string]PrimitiveKind{
	"fd":      Fd,
	"num":     Number,
	"zstring": ZString,
	"buf":     Buffer,
	"signal":  Signal,
	"address": Address,
}

func (k PrimitiveKind) String() string {
	for name, v := range primitiveNames {
		if v == k {
			return name
		}
	}
	return "unknown"
}

// Type is one of Null or Primitive(kind) (spec §3). The TypeDB is kept
// behind this named type, rather than a bare map[string]PrimitiveKind, so
// structs/unions/flags can be added later without breaking lookup callers
// (spec §9, "Schema types & user-extension").
type Type struct {
	isNull    bool
	primitive PrimitiveKind
}

// NullType is the zero-information type used for unused return/arg slots.
var NullType = Type{isNull: true}

// PrimitiveType constructs a Type wrapping a PrimitiveKind.
func PrimitiveType(kind PrimitiveKind) Type {
	return Type{primitive: kind}
}

// IsNull reports whether t is the Null type.
func (t Type) IsNull() bool { return t.isNull }

// Primitive returns the wrapped PrimitiveKind and whether t actually wraps
// one (false for Null).
func (t Type) Primitive() (PrimitiveKind, bool) {
	if t.isNull {
		return 0, false
	}
	return t.primitive, true
}

// TypeDB maps a type name to its resolved Type. It is populated with the
// six primitives and "null" at construction and is immutable once a Schema
// is done loading.
type TypeDB struct {
	byName map[string]Type
}

func newTypeDB() *TypeDB {
	db := &TypeDB{byName: make(map[string]Type, len(primitiveNames)+1)}
	db.byName["null"] = NullType
	for name, kind := range primitiveNames {
		db.byName[name] = PrimitiveType(kind)
	}
	return db
}

// Resolve looks up a type name. Per spec §4.1, any reference to an unknown
// type name is a schema-fatal condition; Resolve reports that with ok=false
// and the caller (the loader) turns it into a parse error. Runtime callers
// that only ever see names out of an already-validated Schema may treat
// ok=false as unreachable.
func (db *TypeDB) Resolve(name string) (Type, bool) {
	t, ok := db.byName[name]
	return t, ok
}
