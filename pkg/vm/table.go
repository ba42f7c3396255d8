package vm

import "math"

// Table is the associative array type. Integer keys 1..n live in a dense
// array part; everything else goes to an insertion-ordered hash part so
// that next() visits keys in a stable order.
type Table struct {
	arr  []Value
	hash map[Value]int
	ents []tableEntry
	live int
	meta *Table
}

type tableEntry struct {
	key Value
	val Value
}

// NewTable creates a table with room for narr array items and nrec
// hash entries.
func NewTable(narr, nrec int) *Table {
	t := &Table{}
	if narr > 0 {
		t.arr = make([]Value, 0, narr)
	}
	if nrec > 0 {
		t.hash = make(map[Value]int, nrec)
		t.ents = make([]tableEntry, 0, nrec)
	}
	return t
}

// Metatable returns the table's metatable, or nil.
func (t *Table) Metatable() *Table { return t.meta }

// SetMetatable replaces the table's metatable.
func (t *Table) SetMetatable(m *Table) { t.meta = m }

// Get returns t[k] without metamethods.
func (t *Table) Get(k Value) Value {
	switch key := k.(type) {
	case int64:
		return t.GetInt(key)
	case float64:
		if i, ok := floatToInteger(key); ok {
			return t.GetInt(i)
		}
	case nil:
		return nil
	}
	if idx, ok := t.hash[k]; ok {
		return t.ents[idx].val
	}
	return nil
}

// GetInt returns t[k] for an integer key.
func (t *Table) GetInt(k int64) Value {
	if k >= 1 && k <= int64(len(t.arr)) {
		return t.arr[k-1]
	}
	if idx, ok := t.hash[k]; ok {
		return t.ents[idx].val
	}
	return nil
}

// GetString returns t[k] for a string key.
func (t *Table) GetString(k string) Value {
	if idx, ok := t.hash[k]; ok {
		return t.ents[idx].val
	}
	return nil
}

// Set assigns t[k] = v without metamethods. It fails for nil and NaN keys.
func (t *Table) Set(k, v Value) error {
	switch key := k.(type) {
	case nil:
		return errNilIndex
	case float64:
		if math.IsNaN(key) {
			return errNaNIndex
		}
	}
	k = normKey(k)
	if i, ok := k.(int64); ok {
		t.SetInt(i, v)
		return nil
	}
	t.setHash(k, v)
	return nil
}

// SetString assigns t[k] = v for a string key.
func (t *Table) SetString(k string, v Value) { t.setHash(k, v) }

// SetInt assigns t[k] = v for an integer key.
func (t *Table) SetInt(k int64, v Value) {
	n := int64(len(t.arr))
	switch {
	case k >= 1 && k <= n:
		t.arr[k-1] = v
	case k == n+1 && v != nil:
		t.arr = append(t.arr, v)
		t.deleteHash(k)
		t.migrate()
	default:
		t.setHash(k, v)
	}
}

// migrate moves integer keys that now continue the array part out of the
// hash part.
func (t *Table) migrate() {
	for len(t.hash) > 0 {
		next := int64(len(t.arr)) + 1
		idx, ok := t.hash[next]
		if !ok || t.ents[idx].val == nil {
			return
		}
		t.arr = append(t.arr, t.ents[idx].val)
		t.deleteHash(next)
	}
}

func (t *Table) setHash(k, v Value) {
	if idx, ok := t.hash[k]; ok {
		e := &t.ents[idx]
		switch {
		case e.val == nil && v != nil:
			t.live++
		case e.val != nil && v == nil:
			t.live--
		}
		e.val = v
		return
	}
	if v == nil {
		return
	}
	if t.hash == nil {
		t.hash = make(map[Value]int)
	}
	if len(t.ents) > 8 && len(t.ents) > 2*t.live {
		t.compact()
	}
	t.hash[k] = len(t.ents)
	t.ents = append(t.ents, tableEntry{key: k, val: v})
	t.live++
}

// deleteHash marks a hash entry dead but keeps its slot so an ongoing
// traversal can continue past it.
func (t *Table) deleteHash(k Value) {
	if idx, ok := t.hash[k]; ok && t.ents[idx].val != nil {
		t.ents[idx].val = nil
		t.live--
	}
}

// compact drops dead hash entries. It only runs when a new key is added,
// which already invalidates traversal order.
func (t *Table) compact() {
	ents := make([]tableEntry, 0, t.live*2)
	for _, e := range t.ents {
		if e.val == nil {
			delete(t.hash, e.key)
			continue
		}
		t.hash[e.key] = len(ents)
		ents = append(ents, e)
	}
	t.ents = ents
}

// Len returns a border of the table: an index n with t[n] ~= nil and
// t[n+1] == nil (0 if t[1] is nil).
func (t *Table) Len() int64 {
	if n := len(t.arr); n > 0 {
		if t.arr[n-1] != nil {
			return int64(n)
		}
		// Binary search keeping t[i] ~= nil (or i == 0) and t[j] == nil.
		i, j := 0, n
		for j-i > 1 {
			m := (i + j) / 2
			if t.arr[m-1] == nil {
				j = m
			} else {
				i = m
			}
		}
		return int64(i)
	}
	if t.GetInt(1) == nil {
		return 0
	}
	var n int64 = 1
	for t.GetInt(n+1) != nil {
		n++
	}
	return n
}

// Next returns the entry following key in traversal order. A nil key
// starts the traversal; ok is false once it is exhausted.
func (t *Table) Next(key Value) (k, v Value, ok bool, err error) {
	start := 0
	if key != nil {
		key = normKey(key)
		pos, found := t.position(key)
		if !found {
			return nil, nil, false, errInvalidNextKey
		}
		start = pos + 1
	}
	for i := start; i < len(t.arr); i++ {
		if t.arr[i] != nil {
			return int64(i + 1), t.arr[i], true, nil
		}
	}
	for i := max(start-len(t.arr), 0); i < len(t.ents); i++ {
		if e := t.ents[i]; e.val != nil {
			return e.key, e.val, true, nil
		}
	}
	return nil, nil, false, nil
}

// position maps a key to its traversal position: array slots first, then
// hash entries.
func (t *Table) position(key Value) (int, bool) {
	if i, ok := key.(int64); ok && i >= 1 && i <= int64(len(t.arr)) {
		return int(i - 1), true
	}
	if idx, ok := t.hash[key]; ok {
		return len(t.arr) + idx, true
	}
	return 0, false
}

// Insert shifts t[pos..n] up by one and stores v at pos.
func (t *Table) Insert(pos int64, v Value) {
	n := t.Len()
	for i := n; i >= pos; i-- {
		t.SetInt(i+1, t.GetInt(i))
	}
	t.SetInt(pos, v)
}

// Remove deletes t[pos], shifting the following items down, and returns
// the removed value.
func (t *Table) Remove(pos int64) Value {
	n := t.Len()
	v := t.GetInt(pos)
	for i := pos; i < n; i++ {
		t.SetInt(i, t.GetInt(i+1))
	}
	if pos <= n {
		t.SetInt(n, nil)
	}
	return v
}
