package stdlib

import (
	"strings"

	"github.com/fortiblox/cloak/pkg/vm"
)

// maxUnpack bounds the number of results of table.unpack.
const maxUnpack = 1 << 20

func (r *Registry) registerTable() {
	lib := r.library(LibTable)
	r.register(lib, "insert", tableInsert)
	r.register(lib, "remove", tableRemove)
	r.register(lib, "concat", tableConcat)
	r.register(lib, "unpack", tableUnpack)
	r.register(lib, "pack", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		tbl := vm.NewTable(len(args), 1)
		for k, v := range args {
			tbl.SetInt(int64(k+1), v)
		}
		tbl.SetString("n", int64(len(args)))
		return values(tbl), nil
	})
}

func tableInsert(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	tbl, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	end := tbl.Len() + 1
	switch len(args) {
	case 2:
		tbl.SetInt(end, args[1])
	case 3:
		pos, err := checkInteger(t, args, 2)
		if err != nil {
			return nil, err
		}
		if pos < 1 || pos > end {
			return nil, t.ArgError(2, "position out of bounds")
		}
		tbl.Insert(pos, args[2])
	default:
		return nil, t.Errorf("wrong number of arguments to 'insert'")
	}
	return nil, nil
}

func tableRemove(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	tbl, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	size := tbl.Len()
	pos, err := optInteger(t, args, 2, size)
	if err != nil {
		return nil, err
	}
	if pos != size && (pos < 1 || pos > size+1) {
		return nil, t.ArgError(2, "position out of bounds")
	}
	return values(tbl.Remove(pos)), nil
}

func tableConcat(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	tbl, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	sep, err := optString(t, args, 2, "")
	if err != nil {
		return nil, err
	}
	i, err := optInteger(t, args, 3, 1)
	if err != nil {
		return nil, err
	}
	j, err := optInteger(t, args, 4, tbl.Len())
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for k := i; k <= j; k++ {
		s, ok := vm.ToStringRaw(tbl.GetInt(k))
		if !ok {
			return nil, t.Errorf("invalid value (at index %d) in table for 'concat'", k)
		}
		b.WriteString(s)
		if k < j {
			b.WriteString(sep)
		}
	}
	return values(b.String()), nil
}

func tableUnpack(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	tbl, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	i, err := optInteger(t, args, 2, 1)
	if err != nil {
		return nil, err
	}
	j, err := optInteger(t, args, 3, tbl.Len())
	if err != nil {
		return nil, err
	}
	if i > j {
		return nil, nil
	}
	if uint64(j-i) >= maxUnpack {
		return nil, t.Errorf("too many results to unpack")
	}
	out := make([]vm.Value, 0, j-i+1)
	for k := i; k <= j; k++ {
		out = append(out, tbl.GetInt(k))
	}
	return out, nil
}
