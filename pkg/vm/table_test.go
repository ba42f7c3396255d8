package vm

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestTableArrayMigration(t *testing.T) {
	tbl := NewTable(0, 0)
	tbl.SetInt(3, "c")
	tbl.SetInt(2, "b")
	if len(tbl.arr) != 0 {
		t.Fatalf("len(arr) = %d before t[1] is set, want 0", len(tbl.arr))
	}
	tbl.SetInt(1, "a")
	if len(tbl.arr) != 3 {
		t.Errorf("len(arr) = %d, want 3", len(tbl.arr))
	}
	if got := tbl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	tbl.SetInt(3, nil)
	if got := tbl.Len(); got != 2 {
		t.Errorf("Len() after clearing t[3] = %d, want 2", got)
	}
}

func TestTableKeys(t *testing.T) {
	tbl := NewTable(0, 0)
	if err := tbl.Set(1.0, "one"); err != nil {
		t.Fatalf("Failed to set float key: %v", err)
	}
	if got := tbl.GetInt(1); got != "one" {
		t.Errorf("t[1] = %v, want one", got)
	}
	if got := tbl.Get(1.5); got != nil {
		t.Errorf("t[1.5] = %v, want nil", got)
	}
	if err := tbl.Set(nil, 1); !errors.Is(err, errNilIndex) {
		t.Errorf("Set(nil) = %v, want %v", err, errNilIndex)
	}
	if err := tbl.Set(math.NaN(), 1); !errors.Is(err, errNaNIndex) {
		t.Errorf("Set(NaN) = %v, want %v", err, errNaNIndex)
	}
	if got := tbl.Get(nil); got != nil {
		t.Errorf("t[nil] = %v, want nil", got)
	}
}

func TestTableNext(t *testing.T) {
	tbl := NewTable(0, 0)
	tbl.SetInt(1, "a")
	tbl.SetInt(2, "b")
	tbl.SetString("x", int64(1))
	tbl.SetString("y", int64(2))
	tbl.SetString("z", int64(3))

	var keys []Value
	var k Value
	for {
		nk, _, ok, err := tbl.Next(k)
		if err != nil {
			t.Fatalf("Failed to advance: %v", err)
		}
		if !ok {
			break
		}
		// Clearing the current key must not break the traversal.
		if nk == "y" {
			tbl.SetString("y", nil)
		}
		keys = append(keys, nk)
		k = nk
	}
	want := []Value{int64(1), int64(2), "x", "y", "z"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}
	if got := tbl.GetString("y"); got != nil {
		t.Errorf("t.y = %v after clearing, want nil", got)
	}

	if _, _, _, err := tbl.Next("missing"); !errors.Is(err, errInvalidNextKey) {
		t.Errorf("Next(missing) = %v, want %v", err, errInvalidNextKey)
	}
}

func TestTableInsertRemove(t *testing.T) {
	tbl := NewTable(0, 0)
	for i, v := range []string{"a", "b", "c"} {
		tbl.SetInt(int64(i+1), v)
	}
	tbl.Insert(2, "z")
	if got := contents(tbl); !reflect.DeepEqual(got, []Value{"a", "z", "b", "c"}) {
		t.Errorf("after Insert = %v", got)
	}
	if v := tbl.Remove(1); v != "a" {
		t.Errorf("Remove(1) = %v, want a", v)
	}
	if got := contents(tbl); !reflect.DeepEqual(got, []Value{"z", "b", "c"}) {
		t.Errorf("after Remove = %v", got)
	}
	if v := tbl.Remove(3); v != "c" || tbl.Len() != 2 {
		t.Errorf("Remove(3) = %v, Len = %d, want c and 2", v, tbl.Len())
	}
}

func TestTableCompaction(t *testing.T) {
	tbl := NewTable(0, 0)
	for i := range 32 {
		tbl.Set(float64(i)+0.5, i)
	}
	for i := range 30 {
		tbl.Set(float64(i)+0.5, nil)
	}
	tbl.SetString("new", true)
	if len(tbl.ents) != 3 {
		t.Errorf("len(ents) = %d after compaction, want 3", len(tbl.ents))
	}
	if got := tbl.Get(31.5); got != 31 {
		t.Errorf("t[31.5] = %v, want 31", got)
	}
}

func contents(tbl *Table) []Value {
	var out []Value
	for i := int64(1); i <= tbl.Len(); i++ {
		out = append(out, tbl.GetInt(i))
	}
	return out
}
