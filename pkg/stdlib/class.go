package stdlib

import "github.com/fortiblox/cloak/pkg/vm"

// Class table fields.
const (
	fieldName    = "__name"
	fieldBase    = "__base"
	fieldGetters = "__getters"
	fieldSetters = "__setters"
	fieldCtor    = "constructor"
)

// registerClass installs class(name [, base]). A class is the metatable of
// its instances. Field reads look at the class itself, then the getter
// table, then the base class; writes go through the setter table before
// landing in the instance. Class:new(...) builds an instance and runs the
// inherited constructor field on it.
func (r *Registry) registerClass() {
	g := r.state.Globals()
	r.libs = append(r.libs, LibClass)
	newFn := vm.NewGoFunction("new", classNew)
	newIndex := vm.NewGoFunction("__newindex", classNewIndex)

	r.register(g, "class", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		name, err := checkString(t, args, 1)
		if err != nil {
			return nil, err
		}
		cls := vm.NewTable(0, 8)
		if base := arg(args, 2); base != nil {
			bt, ok := base.(*vm.Table)
			if !ok {
				return nil, typeError(t, args, 2, "class")
			}
			cls.SetString(fieldBase, bt)
			inherit := vm.NewTable(0, 1)
			inherit.SetString("__index", bt)
			cls.SetMetatable(inherit)
		}
		cls.SetString(fieldName, name)
		cls.SetString(fieldGetters, vm.NewTable(0, 4))
		cls.SetString(fieldSetters, vm.NewTable(0, 4))
		cls.SetString("__index", vm.NewGoFunction("__index", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
			return classIndex(t, cls, args)
		}))
		cls.SetString("__newindex", newIndex)
		cls.SetString("new", newFn)
		return values(cls), nil
	})
}

func classIndex(t *vm.Thread, cls *vm.Table, args []vm.Value) ([]vm.Value, error) {
	key := arg(args, 2)
	if v := cls.Get(key); v != nil {
		return values(v), nil
	}
	if getters, ok := cls.GetString(fieldGetters).(*vm.Table); ok {
		if fn := getters.Get(key); fn != nil {
			rets, err := t.Call(fn, arg(args, 1))
			if err != nil {
				return nil, err
			}
			return append(rets, nil)[:1], nil
		}
	}
	if base, ok := cls.GetString(fieldBase).(*vm.Table); ok {
		v, err := t.Index(base, key)
		if err != nil {
			return nil, err
		}
		return values(v), nil
	}
	return values(nil), nil
}

func classNewIndex(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	obj, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	key, val := arg(args, 2), arg(args, 3)
	if cls := obj.Metatable(); cls != nil {
		if setters, ok := cls.GetString(fieldSetters).(*vm.Table); ok {
			if fn := setters.Get(key); fn != nil {
				_, err := t.Call(fn, obj, val)
				return nil, err
			}
		}
	}
	if err := obj.Set(key, val); err != nil {
		return nil, t.Errorf("%v", err)
	}
	return nil, nil
}

func classNew(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	cls, err := checkTable(t, args, 1)
	if err != nil {
		return nil, err
	}
	rest := append([]vm.Value(nil), args[1:]...)
	obj := vm.NewTable(0, 4)
	obj.SetMetatable(cls)
	ctor, err := t.Index(cls, fieldCtor)
	if err != nil {
		return nil, err
	}
	if ctor != nil {
		if _, err := t.Call(ctor, append([]vm.Value{obj}, rest...)...); err != nil {
			return nil, err
		}
	}
	return values(obj), nil
}
