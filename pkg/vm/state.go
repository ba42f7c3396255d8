package vm

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"weak"
)

// Limits.
const (
	DefaultMaxStack = 1_000_000 // stack slots per thread
	DefaultMaxCalls = 200       // nested host-level calls (metamethods, host callbacks)
	minStack        = 20        // free slots guaranteed to a host function
	extraStack      = 5
	maxTagLoop      = 2000 // __index / __newindex chain limit

	// MaxStringLen bounds strings built by concatenation and repetition.
	MaxStringLen = 1 << 28

	// MultRet asks a call for all of its results.
	MultRet = -1
)

// Options configures a State.
type Options struct {
	// MaxStack bounds the stack of every thread, in slots.
	MaxStack int
	// MaxCalls bounds host-level recursion.
	MaxCalls int
	// Budget is the number of safe points (calls and backward jumps) a run
	// may pass before it is aborted. Zero means unlimited.
	Budget uint64
	// Stdout receives print output.
	Stdout io.Writer
}

// DefaultOptions returns the default machine limits.
func DefaultOptions() Options {
	return Options{
		MaxStack: DefaultMaxStack,
		MaxCalls: DefaultMaxCalls,
		Stdout:   os.Stdout,
	}
}

// Meter tracks safe-point consumption against a budget.
type Meter struct {
	remaining uint64
	limit     uint64
}

// NewMeter creates a meter with the given limit.
func NewMeter(limit uint64) *Meter {
	return &Meter{remaining: limit, limit: limit}
}

// Consume attempts to consume cost units.
func (m *Meter) Consume(cost uint64) error {
	if m.remaining < cost {
		m.remaining = 0
		return ErrBudgetExceeded
	}
	m.remaining -= cost
	return nil
}

// Remaining returns the units left.
func (m *Meter) Remaining() uint64 { return m.remaining }

// Used returns the units consumed so far.
func (m *Meter) Used() uint64 { return m.limit - m.remaining }

// epochs hands out closure-cache epochs unique across all states.
var epochs atomic.Uint64

// State is one independent machine: globals, string metatable and the
// main thread. A State is not safe for concurrent use; independent States
// may run in parallel and may share prototypes.
type State struct {
	opts    Options
	globals *Table
	strMeta *Table
	main    *Thread
	meter   *Meter
	epoch   uint64
	threads []weak.Pointer[Thread]
}

// NewState creates a machine with an empty global table.
func NewState(opts Options) *State {
	def := DefaultOptions()
	if opts.MaxStack <= 0 {
		opts.MaxStack = def.MaxStack
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = def.MaxCalls
	}
	if opts.Stdout == nil {
		opts.Stdout = def.Stdout
	}
	s := &State{
		opts:    opts,
		globals: NewTable(0, 32),
		epoch:   epochs.Add(1),
	}
	if opts.Budget > 0 {
		s.meter = NewMeter(opts.Budget)
	}
	s.main = newThread(s)
	s.main.nny = 1
	return s
}

// Globals returns the global table.
func (s *State) Globals() *Table { return s.globals }

// Main returns the main thread.
func (s *State) Main() *Thread { return s.main }

// Stdout returns the writer for print output.
func (s *State) Stdout() io.Writer { return s.opts.Stdout }

// Meter returns the safe-point meter, or nil when unlimited.
func (s *State) Meter() *Meter { return s.meter }

// StringMetatable returns the metatable shared by all strings.
func (s *State) StringMetatable() *Table { return s.strMeta }

// SetStringMetatable sets the metatable shared by all strings.
func (s *State) SetStringMetatable(m *Table) { s.strMeta = m }

// Register sets a global host function.
func (s *State) Register(name string, fn func(t *Thread, args []Value) ([]Value, error)) {
	s.globals.SetString(name, NewGoFunction(name, fn))
}

// Invalidate drops every closure cached on prototypes by this state.
func (s *State) Invalidate() { s.epoch = epochs.Add(1) }

// Load instantiates a main-chunk prototype as a closure whose first
// upvalue is the global table.
func (s *State) Load(p *Prototype) *Closure {
	cl := NewClosure(p)
	if len(cl.upvals) > 0 {
		cl.upvals[0].value = s.globals
	}
	return cl
}

// Run loads p and calls it on the main thread.
func (s *State) Run(ctx context.Context, p *Prototype, args ...Value) ([]Value, error) {
	return s.main.Run(ctx, s.Load(p), args...)
}

// NewThread creates a suspended coroutine that will run fn.
func (s *State) NewThread(fn Value) *Thread {
	t := newThread(s)
	t.stack[t.top] = fn
	t.top++
	live := s.threads[:0]
	for _, w := range s.threads {
		if c := w.Value(); c != nil && c.status != threadDead {
			live = append(live, w)
		}
	}
	s.threads = append(live, weak.Make(t))
	return t
}

// Active reports whether p has a frame on the main thread or on any
// coroutine that has not finished.
func (s *State) Active(p *Prototype) bool {
	if s.main.executes(p) {
		return true
	}
	for _, w := range s.threads {
		if c := w.Value(); c != nil && c.status != threadDead && c.executes(p) {
			return true
		}
	}
	return false
}

// metatable returns the metatable of any value.
func (s *State) metatable(v Value) *Table {
	switch x := v.(type) {
	case *Table:
		return x.meta
	case string:
		return s.strMeta
	}
	return nil
}

// metafield returns the metamethod event of v, or nil.
func (s *State) metafield(v Value, event string) Value {
	if m := s.metatable(v); m != nil {
		return m.GetString(event)
	}
	return nil
}
