package stdlib

import (
	"math"

	"github.com/fortiblox/cloak/pkg/vm"
)

func (r *Registry) registerMath() {
	lib := r.library(LibMath)
	lib.SetString("pi", math.Pi)
	lib.SetString("huge", math.Inf(1))
	lib.SetString("maxinteger", int64(math.MaxInt64))
	lib.SetString("mininteger", int64(math.MinInt64))

	// The FASTDIST super-instruction recognizes this exact function.
	lib.SetString("sqrt", vm.Sqrt)

	r.register(lib, "floor", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return rounding(t, args, math.Floor)
	})
	r.register(lib, "ceil", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return rounding(t, args, math.Ceil)
	})
	r.register(lib, "abs", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		v, err := checkNumeric(t, args, 1)
		if err != nil {
			return nil, err
		}
		if i, ok := v.(int64); ok {
			if i < 0 {
				i = -i
			}
			return values(i), nil
		}
		return values(math.Abs(v.(float64))), nil
	})
	r.register(lib, "max", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return extremum(t, args, func(a, b vm.Value) (bool, error) { return t.Less(b, a) })
	})
	r.register(lib, "min", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return extremum(t, args, func(a, b vm.Value) (bool, error) { return t.Less(a, b) })
	})
	r.register(lib, "tointeger", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		if err := checkAny(t, args, 1); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case int64:
			return values(v), nil
		case float64:
			if i, ok := vm.ToInteger(v); ok {
				return values(i), nil
			}
		}
		return values(nil), nil
	})
	r.register(lib, "type", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		if err := checkAny(t, args, 1); err != nil {
			return nil, err
		}
		switch args[0].(type) {
		case int64:
			return values("integer"), nil
		case float64:
			return values("float"), nil
		}
		return values(nil), nil
	})
	r.register(lib, "fmod", mathFmod)
}

// rounding applies fn and returns an integer when the result fits.
func rounding(t *vm.Thread, args []vm.Value, fn func(float64) float64) ([]vm.Value, error) {
	v, err := checkNumeric(t, args, 1)
	if err != nil {
		return nil, err
	}
	if i, ok := v.(int64); ok {
		return values(i), nil
	}
	f := fn(v.(float64))
	if i, ok := floatToInt(f); ok {
		return values(i), nil
	}
	return values(f), nil
}

// extremum returns the argument for which better holds against all others.
func extremum(t *vm.Thread, args []vm.Value, better func(a, b vm.Value) (bool, error)) ([]vm.Value, error) {
	best, err := checkNumeric(t, args, 1)
	if err != nil {
		return nil, err
	}
	for n := 2; n <= len(args); n++ {
		v, err := checkNumeric(t, args, n)
		if err != nil {
			return nil, err
		}
		ok, err := better(v, best)
		if err != nil {
			return nil, err
		}
		if ok {
			best = v
		}
	}
	return values(best), nil
}

func mathFmod(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	a, err := checkNumeric(t, args, 1)
	if err != nil {
		return nil, err
	}
	b, err := checkNumeric(t, args, 2)
	if err != nil {
		return nil, err
	}
	x, xok := a.(int64)
	y, yok := b.(int64)
	if xok && yok {
		switch y {
		case 0:
			return nil, t.ArgError(2, "zero")
		case -1:
			return values(int64(0)), nil
		}
		return values(x % y), nil
	}
	fa, _ := vm.ToNumber(a)
	fb, _ := vm.ToNumber(b)
	return values(math.Mod(fa, fb)), nil
}
