package stdlib

import "github.com/fortiblox/cloak/pkg/vm"

func (r *Registry) registerCoroutine() {
	lib := r.library(LibCoroutine)
	r.register(lib, "create", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		fn, err := checkFunction(t, args, 1)
		if err != nil {
			return nil, err
		}
		return values(t.State().NewThread(fn)), nil
	})
	r.register(lib, "resume", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		co, ok := arg(args, 1).(*vm.Thread)
		if !ok {
			return nil, typeError(t, args, 1, "coroutine")
		}
		rets, err := co.Resume(t, args[1:])
		if err != nil {
			serr, ok := vm.AsError(err)
			if !ok {
				return nil, err
			}
			return values(false, serr.Value), nil
		}
		return append([]vm.Value{true}, rets...), nil
	})
	r.register(lib, "yield", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return t.Yield(args)
	})
	r.register(lib, "status", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		co, ok := arg(args, 1).(*vm.Thread)
		if !ok {
			return nil, typeError(t, args, 1, "coroutine")
		}
		return values(co.Status(t)), nil
	})
	r.register(lib, "wrap", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		fn, err := checkFunction(t, args, 1)
		if err != nil {
			return nil, err
		}
		co := t.State().NewThread(fn)
		return values(vm.NewGoFunction("wrap", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
			return co.Resume(t, args)
		})), nil
	})
	r.register(lib, "isyieldable", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return values(!t.IsMain() && t.IsYieldable()), nil
	})
	r.register(lib, "running", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return values(t, t.IsMain()), nil
	})
}
