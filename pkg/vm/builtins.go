package vm

import "math"

// Builtins the machine itself depends on. Sqrt is the callee the FASTDIST
// super-instruction short-circuits; Pcall installs protected frames that
// survive coroutine yields.
var (
	Sqrt  = NewGoFunction("sqrt", sqrt)
	Pcall = &GoFunction{Name: "pcall", kind: builtinPcall}
)

func sqrt(t *Thread, args []Value) ([]Value, error) {
	if len(args) == 0 {
		return nil, t.ArgError(1, "number expected, got no value")
	}
	f, ok := ToNumber(args[0])
	if !ok {
		return nil, t.ArgError(1, "number expected, got "+TypeName(args[0]))
	}
	return []Value{math.Sqrt(f)}, nil
}
