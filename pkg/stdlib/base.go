package stdlib

import (
	"strconv"
	"strings"

	"github.com/fortiblox/cloak/pkg/vm"
)

// Version is the value of _VERSION.
const Version = "Lua 5.3"

func (r *Registry) registerBase() {
	g := r.state.Globals()
	g.SetString("_G", g)
	g.SetString("_VERSION", Version)
	g.SetString("pcall", vm.Pcall)
	r.libs = append(r.libs, LibBase)

	r.register(g, "print", basePrint)
	r.register(g, "type", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		if err := checkAny(t, args, 1); err != nil {
			return nil, err
		}
		return values(vm.TypeName(args[0])), nil
	})
	r.register(g, "tostring", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		if err := checkAny(t, args, 1); err != nil {
			return nil, err
		}
		s, err := t.ToString(args[0])
		if err != nil {
			return nil, err
		}
		return values(s), nil
	})
	r.register(g, "tonumber", baseToNumber)
	r.register(g, "ipairs", baseIPairs)
	r.register(g, "pairs", basePairs)
	r.register(g, "next", baseNext)
	r.register(g, "select", baseSelect)
	r.register(g, "error", baseError)
	r.register(g, "assert", baseAssert)
	r.register(g, "rawget", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		tbl, err := checkTable(t, args, 1)
		if err != nil {
			return nil, err
		}
		return values(tbl.Get(arg(args, 2))), nil
	})
	r.register(g, "rawset", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		tbl, err := checkTable(t, args, 1)
		if err != nil {
			return nil, err
		}
		if err := tbl.Set(arg(args, 2), arg(args, 3)); err != nil {
			return nil, t.Errorf("%v", err)
		}
		return values(tbl), nil
	})
	r.register(g, "rawequal", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		if err := checkAny(t, args, 2); err != nil {
			return nil, err
		}
		return values(vm.RawEqual(args[0], args[1])), nil
	})
	r.register(g, "rawlen", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		switch v := arg(args, 1).(type) {
		case *vm.Table:
			return values(v.Len()), nil
		case string:
			return values(int64(len(v))), nil
		}
		return nil, t.ArgError(1, "table or string expected")
	})
	r.register(g, "setmetatable", baseSetMetatable)
	r.register(g, "getmetatable", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		if err := checkAny(t, args, 1); err != nil {
			return nil, err
		}
		var mt *vm.Table
		switch v := args[0].(type) {
		case *vm.Table:
			mt = v.Metatable()
		case string:
			mt = t.State().StringMetatable()
		}
		if mt == nil {
			return values(nil), nil
		}
		if protected := mt.GetString("__metatable"); protected != nil {
			return values(protected), nil
		}
		return values(mt), nil
	})
	r.register(g, "unpack", tableUnpack)
}

func basePrint(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	var b strings.Builder
	for i, v := range args {
		if i > 0 {
			b.WriteByte('\t')
		}
		s, err := t.ToString(v)
		if err != nil {
			return nil, err
		}
		b.WriteString(s)
	}
	b.WriteByte('\n')
	if _, err := t.State().Stdout().Write([]byte(b.String())); err != nil {
		return nil, t.Errorf("print: %v", err)
	}
	return nil, nil
}

func baseToNumber(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	if arg(args, 2) == nil {
		if err := checkAny(t, args, 1); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case int64, float64:
			return values(v), nil
		case string:
			if n, ok := vm.StringToNumber(v); ok {
				return values(n), nil
			}
		}
		return values(nil), nil
	}
	base, err := checkInteger(t, args, 2)
	if err != nil {
		return nil, err
	}
	s, ok := arg(args, 1).(string)
	if !ok {
		return nil, typeError(t, args, 1, vm.TypeString)
	}
	if base < 2 || base > 36 {
		return nil, t.ArgError(2, "base out of range")
	}
	s = strings.ToLower(strings.TrimSpace(s))
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	u, perr := strconv.ParseUint(s, int(base), 64)
	if s == "" || perr != nil {
		return values(nil), nil
	}
	n := int64(u)
	if neg {
		n = -n
	}
	return values(n), nil
}

func ipairsAux(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	i, err := checkInteger(t, args, 2)
	if err != nil {
		return nil, err
	}
	i++
	v, err := t.Index(arg(args, 1), i)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return values(nil), nil
	}
	return values(i, v), nil
}

var ipairsIter = vm.NewGoFunction("ipairs_aux", ipairsAux)

func baseIPairs(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	if err := checkAny(t, args, 1); err != nil {
		return nil, err
	}
	return values(ipairsIter, args[0], int64(0)), nil
}

var nextFn = vm.NewGoFunction("next", baseNext)

func basePairs(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	if err := checkAny(t, args, 1); err != nil {
		return nil, err
	}
	if tbl, ok := args[0].(*vm.Table); ok && tbl.Metatable() != nil {
		if mm := tbl.Metatable().GetString("__pairs"); mm != nil {
			rets, err := t.Call(mm, tbl)
			if err != nil {
				return nil, err
			}
			return append(rets, nil, nil, nil)[:3], nil
		}
	}
	tbl, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	return values(nextFn, tbl, nil), nil
}

func baseNext(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	tbl, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	k, v, ok, err := tbl.Next(arg(args, 2))
	if err != nil {
		return nil, t.Errorf("%v", err)
	}
	if !ok {
		return values(nil), nil
	}
	return values(k, v), nil
}

func baseSelect(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	if s, ok := arg(args, 1).(string); ok && s == "#" {
		return values(int64(len(args) - 1)), nil
	}
	n, err := checkInteger(t, args, 1)
	if err != nil {
		return nil, err
	}
	count := int64(len(args) - 1)
	switch {
	case n < 0:
		n += count
		if n < 0 {
			return nil, t.ArgError(1, "index out of range")
		}
	case n == 0:
		return nil, t.ArgError(1, "index out of range")
	default:
		n--
		if n > count {
			n = count
		}
	}
	out := make([]vm.Value, count-n)
	copy(out, args[1+n:])
	return out, nil
}

func baseError(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	v := arg(args, 1)
	level, err := optInteger(t, args, 2, 1)
	if err != nil {
		return nil, err
	}
	if s, ok := v.(string); ok && level > 0 {
		v = t.Where(int(level)) + s
	}
	return nil, t.Throw(v)
}

func baseAssert(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	if err := checkAny(t, args, 1); err != nil {
		return nil, err
	}
	if vm.Truthy(args[0]) {
		out := make([]vm.Value, len(args))
		copy(out, args)
		return out, nil
	}
	if len(args) > 1 {
		return nil, t.Throw(args[1])
	}
	return nil, t.Throw("assertion failed!")
}

func baseSetMetatable(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	tbl, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	var mt *vm.Table
	switch m := arg(args, 2).(type) {
	case nil:
		if len(args) < 2 {
			return nil, typeError(t, args, 2, "nil or table")
		}
	case *vm.Table:
		mt = m
	default:
		return nil, typeError(t, args, 2, "nil or table")
	}
	if old := tbl.Metatable(); old != nil && old.GetString("__metatable") != nil {
		return nil, t.Errorf("cannot change a protected metatable")
	}
	tbl.SetMetatable(mt)
	return values(tbl), nil
}
