package vm

// Closure is an instantiated script function.
type Closure struct {
	proto  *Prototype
	upvals []*Upvalue
}

// NewClosure wraps a top-level prototype. Its upvalues start closed and
// hold nil; Run fills the first one with the globals table.
func NewClosure(p *Prototype) *Closure {
	cl := &Closure{proto: p, upvals: make([]*Upvalue, len(p.Upvalues))}
	for i := range cl.upvals {
		cl.upvals[i] = &Upvalue{index: -1}
	}
	return cl
}

// Proto returns the closure's prototype.
func (cl *Closure) Proto() *Prototype { return cl.proto }

// Upvalue returns upvalue i.
func (cl *Closure) Upvalue(i int) *Upvalue { return cl.upvals[i] }

// Upvalue is a variable captured by a closure. While the enclosing
// function is active it refers to a stack slot of its thread; once that
// frame exits it holds its own copy.
type Upvalue struct {
	thread *Thread
	index  int // stack index while open, -1 once closed
	value  Value
}

// Get returns the current value.
func (u *Upvalue) Get() Value {
	if u.index >= 0 {
		return u.thread.stack[u.index]
	}
	return u.value
}

// Set stores v.
func (u *Upvalue) Set(v Value) {
	if u.index >= 0 {
		u.thread.stack[u.index] = v
		return
	}
	u.value = v
}

// GoFunction is a function implemented by the host.
//
// Args is a view of the caller's stack and is only valid until the
// function calls back into the machine. Returned values become the call's
// results.
type GoFunction struct {
	Name string
	Fn   func(t *Thread, args []Value) ([]Value, error)

	kind builtinKind
}

type builtinKind uint8

const (
	builtinNone builtinKind = iota
	builtinPcall
)

// NewGoFunction creates a host function.
func NewGoFunction(name string, fn func(t *Thread, args []Value) ([]Value, error)) *GoFunction {
	return &GoFunction{Name: name, Fn: fn}
}
