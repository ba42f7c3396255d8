package vm_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/fortiblox/cloak/pkg/asm"
	"github.com/fortiblox/cloak/pkg/vm"
)

func newState(opts vm.Options) *vm.State {
	s := vm.NewState(opts)
	g := s.Globals()
	g.SetString("pcall", vm.Pcall)
	g.SetString("yield", vm.NewGoFunction("yield", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return t.Yield(args)
	}))
	g.SetString("fail", vm.NewGoFunction("fail", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		var v vm.Value
		if len(args) > 0 {
			v = args[0]
		}
		return nil, t.Throw(v)
	}))
	g.SetString("callback", vm.NewGoFunction("callback", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return t.Call(args[0])
	}))
	return s
}

func assemble(t *testing.T, src string) *vm.Prototype {
	t.Helper()
	p, err := asm.AssembleString("=test", src)
	if err != nil {
		t.Fatalf("Failed to assemble: %v", err)
	}
	return p
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []vm.Value
	}{
		{
			name: "integer ops",
			src:  "LOADK 0 #7\nLOADK 1 #2\nIDIV 2 0 1\nMOD 3 0 1\nDIV 4 0 1\nRETURN 2 4",
			want: []vm.Value{int64(3), int64(1), 3.5},
		},
		{
			name: "floor semantics",
			src:  "LOADK 0 #-7\nLOADK 1 #2\nIDIV 2 0 1\nMOD 3 0 1\nRETURN 2 3",
			want: []vm.Value{int64(-4), int64(1)},
		},
		{
			name: "mixed",
			src:  "LOADK 0 #1\nLOADK 1 #0.5\nADD 2 0 1\nPOW 3 1 #2\nRETURN 2 3",
			want: []vm.Value{1.5, 0.25},
		},
		{
			name: "bitwise",
			src:  "LOADK 0 #12\nBAND 1 0 #10\nBOR 2 0 #3\nSHL 3 0 #2\nSHR 4 0 #70\nRETURN 1 5",
			want: []vm.Value{int64(8), int64(15), int64(48), int64(0)},
		},
		{
			name: "concat",
			src:  "LOADK 0 #\"a\"\nLOADK 1 #1\nLOADK 2 #2.0\nCONCAT 0 0 2\nRETURN 0 2",
			want: []vm.Value{"a12.0"},
		},
		{
			name: "length",
			src:  "NEWTABLE 0 3 0\nLOADK 1 #1\nLOADK 2 #2\nLOADK 3 #3\nSETLIST 0 3 1\nLEN 1 0\nLOADK 2 #\"hello\"\nLEN 2 2\nRETURN 1 3",
			want: []vm.Value{int64(3), int64(5)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rets, err := newState(vm.DefaultOptions()).Run(context.Background(), assemble(t, tt.src))
			if err != nil {
				t.Fatalf("Failed to run: %v", err)
			}
			if !reflect.DeepEqual(rets, tt.want) {
				t.Errorf("results = %v, want %v", rets, tt.want)
			}
		})
	}
}

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"arith on nil", "LOADNIL 0 0\nADD 1 0 #1\nRETURN 1 2", "test:2: attempt to perform arithmetic on a nil value"},
		{"index number", "LOADK 0 #1\nGETTABLE 1 0 #\"x\"\nRETURN 1 2", "test:2: attempt to index a number value"},
		{"call nil", "LOADNIL 0 0\nCALL 0 1 1", "test:2: attempt to call a nil value"},
		{"integer modulo by zero", "LOADK 0 #1\nMOD 1 0 #0\nRETURN 1 2", "test:2: attempt to perform 'n%0'"},
		{"compare", "LOADK 0 #1\nLT 1 0 #\"x\"\nJMP 0 @done\ndone:\nRETURN 0 1", "test:2: attempt to compare number with string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newState(vm.DefaultOptions()).Run(context.Background(), assemble(t, tt.src))
			serr, ok := vm.AsError(err)
			if !ok {
				t.Fatalf("Run() error = %v, want a script error", err)
			}
			if serr.Value != tt.want {
				t.Errorf("error = %q, want %q", serr.Value, tt.want)
			}
			if !strings.HasPrefix(serr.Traceback, "stack traceback:") {
				t.Errorf("traceback = %q", serr.Traceback)
			}
		})
	}
}

func TestConcatLengthLimit(t *testing.T) {
	p := assemble(t, "VARARG 0 2\nMOVE 1 0\nCONCAT 0 0 1\nRETURN 0 2")
	half := strings.Repeat("x", vm.MaxStringLen/2+1)
	_, err := newState(vm.DefaultOptions()).Run(context.Background(), p, half)
	serr, ok := vm.AsError(err)
	if !ok {
		t.Fatalf("Run() error = %v, want a script error", err)
	}
	if want := "test:3: string length overflow"; serr.Value != want {
		t.Errorf("error = %q, want %q", serr.Value, want)
	}

	rets, err := newState(vm.DefaultOptions()).Run(context.Background(), p, "ab")
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if want := []vm.Value{"abab"}; !reflect.DeepEqual(rets, want) {
		t.Errorf("result = %v, want %v", rets, want)
	}
}

func TestPcall(t *testing.T) {
	p := assemble(t, `
.function boom
.upval _ENV 0 0
GETTABUP 0 0 #"fail"
NEWTABLE 1 0 0
CALL 0 2 1
RETURN 0 1
.end
.function ok
LOADK 0 #1
LOADK 1 #2
RETURN 0 3
.end
GETTABUP 0 0 #"pcall"
CLOSURE 1 boom
CALL 0 2 3
GETTABUP 2 0 #"pcall"
CLOSURE 3 ok
CALL 2 2 0
RETURN 0 0
`)
	rets, err := newState(vm.DefaultOptions()).Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if len(rets) != 5 {
		t.Fatalf("got %d results, want 5: %v", len(rets), rets)
	}
	if rets[0] != false {
		t.Errorf("pcall(boom) status = %v, want false", rets[0])
	}
	if _, ok := rets[1].(*vm.Table); !ok {
		t.Errorf("pcall(boom) error = %v, want the thrown table", rets[1])
	}
	if want := []vm.Value{true, int64(1), int64(2)}; !reflect.DeepEqual(rets[2:], want) {
		t.Errorf("pcall(ok) = %v, want %v", rets[2:], want)
	}
}

func TestMetamethods(t *testing.T) {
	mt := vm.NewTable(0, 2)
	mt.SetString("__add", vm.NewGoFunction("add", func(_ *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return []vm.Value{int64(99)}, nil
	}))
	mt.SetString("__index", vm.NewGoFunction("index", func(_ *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		return []vm.Value{args[1]}, nil
	}))
	obj := vm.NewTable(0, 0)
	obj.SetMetatable(mt)

	p := assemble(t, "VARARG 0 2\nADD 1 0 #1\nADD 2 #1 0\nGETTABLE 3 0 #\"key\"\nRETURN 1 4")
	rets, err := newState(vm.DefaultOptions()).Run(context.Background(), p, obj)
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if want := []vm.Value{int64(99), int64(99), "key"}; !reflect.DeepEqual(rets, want) {
		t.Errorf("results = %v, want %v", rets, want)
	}
}

func TestBudget(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.Budget = 100
	s := newState(opts)
	_, err := s.Run(context.Background(), assemble(t, "loop:\nJMP 0 @loop"))
	if !errors.Is(err, vm.ErrBudgetExceeded) {
		t.Fatalf("Run() error = %v, want %v", err, vm.ErrBudgetExceeded)
	}
	if m := s.Meter(); m == nil || m.Remaining() != 0 {
		t.Errorf("meter = %+v, want exhausted", m)
	}
}

func TestBudgetNotCatchable(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.Budget = 50
	p := assemble(t, `
.function spin
loop:
JMP 0 @loop
.end
GETTABUP 0 0 #"pcall"
CLOSURE 1 spin
CALL 0 2 3
RETURN 0 3
`)
	if _, err := newState(opts).Run(context.Background(), p); !errors.Is(err, vm.ErrBudgetExceeded) {
		t.Errorf("Run() error = %v, want %v", err, vm.ErrBudgetExceeded)
	}
}

func TestContextAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newState(vm.DefaultOptions()).Run(ctx, assemble(t, "loop:\nJMP 0 @loop"))
	if !errors.Is(err, vm.ErrAborted) || !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want %v wrapping %v", err, vm.ErrAborted, context.Canceled)
	}
}

func TestStackOverflow(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.MaxStack = 4000
	p := assemble(t, `
.function rec
.upval _ENV 0 0
GETTABUP 0 0 #"rec"
CALL 0 1 1
RETURN 0 1
.end
CLOSURE 0 rec
SETTABUP 0 #"rec" 0
CALL 0 1 1
`)
	_, err := newState(opts).Run(context.Background(), p)
	if err == nil || !strings.Contains(err.Error(), "stack overflow") {
		t.Errorf("Run() error = %v, want stack overflow", err)
	}
}

// coroutineBody runs the main chunk of src and returns the closure it
// returns.
func coroutineBody(t *testing.T, s *vm.State, src string) vm.Value {
	t.Helper()
	rets, err := s.Run(context.Background(), assemble(t, src))
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	return rets[0]
}

func TestYieldInsidePcall(t *testing.T) {
	s := newState(vm.DefaultOptions())
	body := coroutineBody(t, s, `
.function body
.upval _ENV 0 0
GETTABUP 0 0 #"pcall"
GETTABUP 1 0 #"yield"
LOADK 2 #1
CALL 0 3 3
RETURN 0 3
.end
CLOSURE 0 body
RETURN 0 2
`)
	co := s.NewThread(body)
	rets, err := co.Resume(s.Main(), nil)
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if want := []vm.Value{int64(1)}; !reflect.DeepEqual(rets, want) {
		t.Errorf("first resume = %v, want %v", rets, want)
	}
	if got := co.Status(s.Main()); got != vm.StatusSuspended {
		t.Errorf("status = %s, want %s", got, vm.StatusSuspended)
	}
	rets, err = co.Resume(s.Main(), []vm.Value{"x"})
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if want := []vm.Value{true, "x"}; !reflect.DeepEqual(rets, want) {
		t.Errorf("second resume = %v, want %v", rets, want)
	}
	if got := co.Status(s.Main()); got != vm.StatusDead {
		t.Errorf("status = %s, want %s", got, vm.StatusDead)
	}
	if _, err := co.Resume(s.Main(), nil); err == nil {
		t.Error("resuming a dead coroutine succeeded")
	}
}

func TestErrorAfterYieldIsCaught(t *testing.T) {
	s := newState(vm.DefaultOptions())
	body := coroutineBody(t, s, `
.function body
.upval _ENV 0 0
.function inner
.upval _ENV 0 0
GETTABUP 0 0 #"yield"
LOADK 1 #"paused"
CALL 0 2 2
GETTABUP 1 0 #"fail"
MOVE 2 0
CALL 1 2 1
RETURN 0 1
.end
GETTABUP 0 0 #"pcall"
CLOSURE 1 inner
CALL 0 2 3
LOADK 2 #"after"
RETURN 0 4
.end
CLOSURE 0 body
RETURN 0 2
`)
	co := s.NewThread(body)
	rets, err := co.Resume(s.Main(), nil)
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if want := []vm.Value{"paused"}; !reflect.DeepEqual(rets, want) {
		t.Errorf("first resume = %v, want %v", rets, want)
	}
	rets, err = co.Resume(s.Main(), []vm.Value{"oops"})
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if want := []vm.Value{false, "oops", "after"}; !reflect.DeepEqual(rets, want) {
		t.Errorf("second resume = %v, want %v", rets, want)
	}
}

func TestYieldRestrictions(t *testing.T) {
	s := newState(vm.DefaultOptions())
	yield := s.Globals().GetString("yield")

	_, err := s.Main().Call(yield, int64(1))
	if serr, ok := vm.AsError(err); !ok || serr.Value != vm.ErrNotYieldable.Error() {
		t.Errorf("yield on main = %v, want %v", err, vm.ErrNotYieldable)
	}

	body := coroutineBody(t, s, `
.function body
.upval _ENV 0 0
GETTABUP 0 0 #"callback"
GETTABUP 1 0 #"yield"
CALL 0 2 1
RETURN 0 1
.end
CLOSURE 0 body
RETURN 0 2
`)
	co := s.NewThread(body)
	_, err = co.Resume(s.Main(), nil)
	if serr, ok := vm.AsError(err); !ok || serr.Value != vm.ErrYieldAcrossHost.Error() {
		t.Errorf("yield across host call = %v, want %v", err, vm.ErrYieldAcrossHost)
	}
	if got := co.Status(s.Main()); got != vm.StatusDead {
		t.Errorf("status = %s, want %s", got, vm.StatusDead)
	}
}

func TestActive(t *testing.T) {
	s := newState(vm.DefaultOptions())
	var running, idle bool
	p := assemble(t, `
.function watched
.upval _ENV 0 0
GETTABUP 0 0 #"check"
CALL 0 1 1
RETURN 0 1
.end
CLOSURE 0 watched
CALL 0 1 1
`)
	watched := p.Protos[0]
	s.Globals().SetString("check", vm.NewGoFunction("check", func(t *vm.Thread, _ []vm.Value) ([]vm.Value, error) {
		running = t.State().Active(watched)
		return nil, nil
	}))
	if _, err := s.Run(context.Background(), p); err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	idle = s.Active(watched)
	if !running || idle {
		t.Errorf("Active() = %v while running, %v after return; want true, false", running, idle)
	}
}
