// Package hamtmap implements a persistent, structurally-shared hash
// array-mapped trie used as the key/value container shared across worker
// heaps in a Hive. All published nodes are immutable: Set and Delete
// return a new Map that shares every off-path node with the original.
package hamtmap

import (
	"fmt"
	"hash/fnv"
	"math"
	"reflect"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindBytes
	KindStr
	KindTuple
	KindMap
	KindForeign
)

// String returns the human-readable name of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBytes:
		return "bytes"
	case KindStr:
		return "str"
	case KindTuple:
		return "tuple"
	case KindMap:
		return "map"
	case KindForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// ObjectHandle is an opaque reference into a foreign heap's allocator,
// carrying the owning heap's identity plus an object pointer. The core
// never dereferences the pointer itself; it is meaningful only to the
// owning heap and to RefQueue bookkeeping.
type ObjectHandle struct {
	OwnerHeap uint64
	Pointer   uintptr
	TypeName  string
}

// Value is the sum type of payloads that can cross a heap boundary. Only
// Map and Foreign are shared by handle; every other variant is copied
// on publication, matching spec.md's Data Model.
type Value struct {
	kind    Kind
	b       bool
	i       int64
	f       float64
	bytes   []byte
	str     string
	tuple   []Value
	mapVal  *Map
	foreign ObjectHandle
}

// Null is the zero Value.
var Null = Value{kind: KindNull}

func NewBool(b bool) Value       { return Value{kind: KindBool, b: b} }
func NewInt64(i int64) Value     { return Value{kind: KindInt64, i: i} }
func NewFloat64(f float64) Value { return Value{kind: KindFloat64, f: f} }
func NewBytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, bytes: cp}
}
func NewStr(s string) Value { return Value{kind: KindStr, str: s} }
func NewTuple(vs ...Value) Value {
	cp := make([]Value, len(vs))
	copy(cp, vs)
	return Value{kind: KindTuple, tuple: cp}
}
func NewMap(m *Map) Value         { return Value{kind: KindMap, mapVal: m} }
func NewForeign(h ObjectHandle) Value { return Value{kind: KindForeign, foreign: h} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) Int64() (int64, bool)     { return v.i, v.kind == KindInt64 }
func (v Value) Float64() (float64, bool) { return v.f, v.kind == KindFloat64 }
func (v Value) Bytes() ([]byte, bool)    { return v.bytes, v.kind == KindBytes }
func (v Value) Str() (string, bool)      { return v.str, v.kind == KindStr }
func (v Value) Tuple() ([]Value, bool)   { return v.tuple, v.kind == KindTuple }
func (v Value) Map() (*Map, bool)        { return v.mapVal, v.kind == KindMap }
func (v Value) Foreign() (ObjectHandle, bool) {
	return v.foreign, v.kind == KindForeign
}

// HasHandle reports whether the value carries a shared handle (Map or
// Foreign) that must be refcounted when it crosses a heap boundary.
func (v Value) HasHandle() bool {
	switch v.kind {
	case KindMap, KindForeign:
		return true
	case KindTuple:
		for _, el := range v.tuple {
			if el.HasHandle() {
				return true
			}
		}
	}
	return false
}

// Handle pairs a RefQueue ObjectHandle with the concrete *Map it names, so
// a caller posting the handle's +1 can also arrange the matching -1 once
// that Map becomes unreachable. MapVal is nil for Foreign handles: those
// name an object in a foreign heap's own allocator, with no Go-side
// object to hang a cleanup off of.
type Handle struct {
	ObjectHandle
	MapVal *Map
}

// Handles returns every shared handle v carries, flattened out of nested
// tuples. A Foreign handle already carries its own allocating heap, so it
// is returned unchanged; a Map has no heap identity of its own, so owner
// (the heap currently publishing v across a boundary) is attributed as
// its OwnerHeap for RefQueue routing purposes.
func (v Value) Handles(owner uint64) []Handle {
	switch v.kind {
	case KindForeign:
		return []Handle{{ObjectHandle: v.foreign}}
	case KindMap:
		if v.mapVal == nil {
			return nil
		}
		return []Handle{{
			ObjectHandle: ObjectHandle{
				OwnerHeap: owner,
				Pointer:   reflect.ValueOf(v.mapVal).Pointer(),
				TypeName:  "map",
			},
			MapVal: v.mapVal,
		}}
	case KindTuple:
		var out []Handle
		for _, el := range v.tuple {
			out = append(out, el.Handles(owner)...)
		}
		return out
	default:
		return nil
	}
}

// Equal implements the recursive value-equality contract from the
// Glossary: scalars by content, tuples element-wise, maps by equivalent
// key/value sets, foreign handles by identity.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt64:
		return a.i == b.i
	case KindFloat64:
		return a.f == b.f
	case KindBytes:
		if len(a.bytes) != len(b.bytes) {
			return false
		}
		for i := range a.bytes {
			if a.bytes[i] != b.bytes[i] {
				return false
			}
		}
		return true
	case KindStr:
		return a.str == b.str
	case KindTuple:
		if len(a.tuple) != len(b.tuple) {
			return false
		}
		for i := range a.tuple {
			if !Equal(a.tuple[i], b.tuple[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return MapsEqual(a.mapVal, b.mapVal)
	case KindForeign:
		return a.foreign.OwnerHeap == b.foreign.OwnerHeap &&
			a.foreign.Pointer == b.foreign.Pointer
	default:
		return false
	}
}

// Hash32 computes the 32-bit hash used to place a Value as a HAMT key.
// It is deliberately simple (FNV-1a over a content encoding) rather than
// collision-resistant: spec.md requires the trie to handle genuine
// collisions correctly, not to avoid them.
func Hash32(v Value) uint32 {
	h := fnv.New32a()
	writeHash(h, v)
	return h.Sum32()
}

func writeHash(h interface{ Write([]byte) (int, error) }, v Value) {
	var tag [1]byte
	tag[0] = byte(v.kind)
	h.Write(tag[:])
	switch v.kind {
	case KindNull:
	case KindBool:
		if v.b {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	case KindInt64:
		var buf [8]byte
		putUint64(buf[:], uint64(v.i))
		h.Write(buf[:])
	case KindFloat64:
		var buf [8]byte
		putUint64(buf[:], math.Float64bits(v.f))
		h.Write(buf[:])
	case KindBytes:
		h.Write(v.bytes)
	case KindStr:
		h.Write([]byte(v.str))
	case KindTuple:
		for _, el := range v.tuple {
			writeHash(h, el)
		}
	case KindMap:
		if v.mapVal != nil {
			h.Write([]byte(fmt.Sprintf("%p", v.mapVal)))
		}
	case KindForeign:
		var buf [16]byte
		putUint64(buf[:8], v.foreign.OwnerHeap)
		putUint64(buf[8:], uint64(v.foreign.Pointer))
		h.Write(buf[:])
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// GoString renders a debug form used in test failure output.
func (v Value) GoString() string {
	switch v.kind {
	case KindNull:
		return "Null"
	case KindBool:
		return fmt.Sprintf("Bool(%v)", v.b)
	case KindInt64:
		return fmt.Sprintf("Int64(%d)", v.i)
	case KindFloat64:
		return fmt.Sprintf("Float64(%v)", v.f)
	case KindBytes:
		return fmt.Sprintf("Bytes(%x)", v.bytes)
	case KindStr:
		return fmt.Sprintf("Str(%q)", v.str)
	case KindTuple:
		return fmt.Sprintf("Tuple(%v)", v.tuple)
	case KindMap:
		return "Map(...)"
	case KindForeign:
		return fmt.Sprintf("Foreign(heap=%d)", v.foreign.OwnerHeap)
	default:
		return "Value(?)"
	}
}
