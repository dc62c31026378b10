package hamtmap

// Map is a persistent, structurally-shared hash array-mapped trie. The
// zero value is an empty Map, which is what New returns. Every operation that
// would mutate returns a new *Map sharing unmodified subtrees with the
// receiver, per spec.md's "Map" type in the Data Model.
type Map struct {
	root  node
	count int
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// Len reports the number of key/value bindings in m.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return m.count
}

// Get returns the value bound to key and whether the binding exists.
func (m *Map) Get(key Value) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	return getNode(m.root, Hash32(key), 0, key)
}

// Contains reports whether key is bound in m.
func (m *Map) Contains(key Value) bool {
	_, ok := m.Get(key)
	return ok
}

// Set returns a new Map with key bound to val, leaving m unmodified.
// Rebinding an existing key replaces its value; every node along the
// path to key is copied, every sibling subtree is shared.
func (m *Map) Set(key, val Value) *Map {
	var base *Map
	if m == nil {
		base = New()
	} else {
		base = m
	}
	newRoot, added := setNode(base.root, Hash32(key), 0, key, val)
	count := base.count
	if added {
		count++
	}
	return &Map{root: newRoot, count: count}
}

// Delete returns a new Map with key removed. If key is not bound, it
// returns m unchanged (same pointer) and ok=false, matching spec.md's
// "Delete of an absent key is a no-op that reports absence".
func (m *Map) Delete(key Value) (result *Map, ok bool) {
	if m == nil {
		return m, false
	}
	newRoot, err := deleteNode(m.root, Hash32(key), 0, key)
	if err != nil {
		return m, false
	}
	return &Map{root: newRoot, count: m.count - 1}, true
}

// Iter calls visit for every key/value binding in m, in unspecified
// order, stopping early if visit returns false.
func (m *Map) Iter(visit func(key, val Value) bool) {
	if m == nil {
		return
	}
	iterNode(m.root, visit)
}

// Keys returns every key bound in m, in unspecified order.
func (m *Map) Keys() []Value {
	if m == nil {
		return nil
	}
	keys := make([]Value, 0, m.count)
	m.Iter(func(k, _ Value) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// MapsEqual reports whether a and b hold the same key/value bindings,
// regardless of their physical trie shape. Two empty-or-nil maps are
// equal; a nil Map and a non-nil empty Map are equal.
func MapsEqual(a, b *Map) bool {
	if a == b {
		return true
	}
	if a.Len() != b.Len() {
		return false
	}
	if a.Len() == 0 {
		return true
	}
	return nodeEqual(a.root, b.root)
}
