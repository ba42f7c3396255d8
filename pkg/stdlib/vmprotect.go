package stdlib

import (
	"github.com/fortiblox/cloak/pkg/protect"
	"github.com/fortiblox/cloak/pkg/vm"
)

func (r *Registry) registerVMProtect() {
	lib := r.library(LibVMProtect)
	r.register(lib, "virtualize", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		cl, ok := arg(args, 1).(*vm.Closure)
		if !ok {
			if _, host := arg(args, 1).(*vm.GoFunction); host {
				return nil, t.ArgError(1, "only script functions can be virtualized")
			}
			return nil, typeError(t, args, 1, vm.TypeFunction)
		}
		p := cl.Proto()
		// Rewriting moves instructions under any frame already running p
		// or one of its nested functions.
		running := false
		p.Walk(func(q *vm.Prototype) {
			running = running || !q.Obfuscated && t.State().Active(q)
		})
		if running {
			return nil, t.Errorf("cannot virtualize a running function")
		}
		stats := protect.Apply(p, r.opts.Protect)
		log.Debugf("virtualized %s:%d: %d functions, %d fused", vm.ChunkID(p.Source), p.LineDefined, stats.Functions, stats.Fused)
		return values(cl), nil
	})
	r.register(lib, "isvirtualized", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		cl, ok := arg(args, 1).(*vm.Closure)
		if !ok {
			return values(false), nil
		}
		return values(cl.Proto().Obfuscated), nil
	})
}
