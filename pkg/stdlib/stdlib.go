// Package stdlib implements the host libraries scripts can call.
//
// Libraries are installed into a State's global table by Open. Each
// library is a table of host functions except base, whose functions are
// globals. Hashing functions charge the state's step meter per byte, the
// same way calls and backward jumps do.
package stdlib

import (
	"fmt"
	"math"

	"github.com/tliron/commonlog"

	"github.com/fortiblox/cloak/pkg/protect"
	"github.com/fortiblox/cloak/pkg/vm"
)

var log = commonlog.GetLogger("cloak.stdlib")

// Library names.
const (
	LibBase      = "_G"
	LibMath      = "math"
	LibString    = "string"
	LibTable     = "table"
	LibCoroutine = "coroutine"
	LibHash      = "hash"
	LibStruct    = "struct"
	LibClass     = "class"
	LibVMProtect = "vmprotect"
)

// Meter costs for hashing.
const (
	CUHashBase    = uint64(1)
	CUHashPerWord = uint64(1) // per 64 bytes hashed
)

// Options configures the installed libraries.
type Options struct {
	// Protect is used by vmprotect.virtualize.
	Protect protect.Options
}

// DefaultOptions returns the options Open uses when none are given.
func DefaultOptions() Options {
	return Options{Protect: protect.DefaultOptions()}
}

type hostFunc = func(t *vm.Thread, args []vm.Value) ([]vm.Value, error)

// Registry records the libraries installed into one State.
type Registry struct {
	state *vm.State
	opts  Options
	libs  []string
}

// Open installs every library into s.
func Open(s *vm.State, opts Options) *Registry {
	r := &Registry{state: s, opts: opts}

	r.registerBase()
	r.registerMath()
	r.registerString()
	r.registerTable()
	r.registerCoroutine()
	r.registerHash()
	r.registerStruct()
	r.registerClass()
	r.registerVMProtect()

	log.Debugf("opened libraries %v", r.libs)
	return r
}

// Libraries lists the installed library names in installation order.
func (r *Registry) Libraries() []string {
	return append([]string(nil), r.libs...)
}

// library creates the global table for a library.
func (r *Registry) library(name string) *vm.Table {
	lib := vm.NewTable(0, 16)
	r.state.Globals().SetString(name, lib)
	r.libs = append(r.libs, name)
	return lib
}

// register adds a host function to a library table.
func (r *Registry) register(lib *vm.Table, name string, fn hostFunc) {
	lib.SetString(name, vm.NewGoFunction(name, fn))
}

// Argument helpers. Positions are 1-based as in error messages.

func arg(args []vm.Value, n int) vm.Value {
	if n <= len(args) {
		return args[n-1]
	}
	return nil
}

func typeError(t *vm.Thread, args []vm.Value, n int, want string) *vm.Error {
	got := "no value"
	if n <= len(args) {
		got = vm.TypeName(args[n-1])
	}
	return t.ArgError(n, fmt.Sprintf("%s expected, got %s", want, got))
}

func checkAny(t *vm.Thread, args []vm.Value, n int) error {
	if n > len(args) {
		return t.ArgError(n, "value expected")
	}
	return nil
}

func checkTable(t *vm.Thread, args []vm.Value, n int) (*vm.Table, error) {
	if tbl, ok := arg(args, n).(*vm.Table); ok {
		return tbl, nil
	}
	return nil, typeError(t, args, n, vm.TypeTable)
}

func checkInteger(t *vm.Thread, args []vm.Value, n int) (int64, error) {
	v := arg(args, n)
	if i, ok := vm.ToInteger(v); ok {
		return i, nil
	}
	if _, ok := vm.ToNumber(v); ok {
		return 0, t.ArgError(n, "number has no integer representation")
	}
	return 0, typeError(t, args, n, vm.TypeNumber)
}

func optInteger(t *vm.Thread, args []vm.Value, n int, def int64) (int64, error) {
	if arg(args, n) == nil {
		return def, nil
	}
	return checkInteger(t, args, n)
}

func checkNumber(t *vm.Thread, args []vm.Value, n int) (float64, error) {
	if f, ok := vm.ToNumber(arg(args, n)); ok {
		return f, nil
	}
	return 0, typeError(t, args, n, vm.TypeNumber)
}

// checkNumeric returns the argument as an integer or a float value,
// converting numeric strings.
func checkNumeric(t *vm.Thread, args []vm.Value, n int) (vm.Value, error) {
	switch v := arg(args, n).(type) {
	case int64, float64:
		return v, nil
	case string:
		if x, ok := vm.StringToNumber(v); ok {
			return x, nil
		}
	}
	return nil, typeError(t, args, n, vm.TypeNumber)
}

func checkString(t *vm.Thread, args []vm.Value, n int) (string, error) {
	if s, ok := vm.ToStringRaw(arg(args, n)); ok {
		return s, nil
	}
	return "", typeError(t, args, n, vm.TypeString)
}

func optString(t *vm.Thread, args []vm.Value, n int, def string) (string, error) {
	if arg(args, n) == nil {
		return def, nil
	}
	return checkString(t, args, n)
}

func checkFunction(t *vm.Thread, args []vm.Value, n int) (vm.Value, error) {
	switch f := arg(args, n).(type) {
	case *vm.Closure, *vm.GoFunction:
		return f, nil
	}
	return nil, typeError(t, args, n, vm.TypeFunction)
}

// floatToInt converts an integral float in int64 range.
func floatToInt(f float64) (int64, bool) {
	if f >= -(1<<63) && f < 1<<63 && !math.IsNaN(f) {
		return int64(f), true
	}
	return 0, false
}

func values(vs ...vm.Value) []vm.Value { return vs }
