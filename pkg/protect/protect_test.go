package protect

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/fortiblox/cloak/pkg/asm"
	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/keys"
	"github.com/fortiblox/cloak/pkg/vm"
)

func assemble(t *testing.T, src string) *vm.Prototype {
	t.Helper()
	p, err := asm.AssembleString("=test", src)
	if err != nil {
		t.Fatalf("Failed to assemble: %v", err)
	}
	return p
}

func newState() *vm.State {
	s := vm.NewState(vm.DefaultOptions())
	s.Globals().SetString("sqrt", vm.Sqrt)
	s.Globals().SetString("pcall", vm.Pcall)
	return s
}

func run(t *testing.T, p *vm.Prototype, args ...vm.Value) []vm.Value {
	t.Helper()
	rets, err := newState().Run(context.Background(), p, args...)
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	return rets
}

func fullOptions(seed uint64) Options {
	opts := DefaultOptions()
	opts.JunkRate = 30
	opts.EncryptConsts = true
	opts.Strip = true
	opts.Source = keys.NewFixedSource(seed)
	return opts
}

const addConsts = `
LOADK 0 #10
LOADK 1 #20
ADD 0 0 1
RETURN 0 2
`

const fieldLoop = `
NEWTABLE 0 0 0
SETTABLE 0 #"sum" #0
SETTABLE 0 #"v" #3
LOADK 1 #0
LOADK 2 #1
LOADK 3 #1000
LOADK 4 #1
FORPREP 2 @test
body:
GETTABLE 6 0 #"sum"
ADD 6 6 5
SETTABLE 0 #"sum" 6
GETTABLE 7 0 #"v"
ADD 7 7 1
MOVE 1 7
test:
FORLOOP 2 @body
GETTABLE 6 0 #"sum"
MOVE 7 1
RETURN 6 3
`

func TestTransformAddWithConstEncryption(t *testing.T) {
	p := assemble(t, addConsts)
	Transform(p, true)

	if !p.Obfuscated || !p.Encrypted {
		t.Fatalf("Obfuscated = %v, Encrypted = %v, want both set", p.Obfuscated, p.Encrypted)
	}
	for i, v := range p.Constants {
		if v == int64(10) || v == int64(20) {
			t.Errorf("Constants[%d] stored in plain form: %v", i, v)
		}
	}
	var plain []vm.Value
	for i := range p.Constants {
		plain = append(plain, p.Constant(i))
	}
	if !reflect.DeepEqual(plain[:2], []vm.Value{int64(10), int64(20)}) {
		t.Errorf("decrypted constants = %v, want [10 20]", plain)
	}
	if got := run(t, p); !reflect.DeepEqual(got, []vm.Value{int64(30)}) {
		t.Errorf("result = %v, want [30]", got)
	}
}

func TestFieldLoopEquivalence(t *testing.T) {
	want := []vm.Value{int64(500500), int64(3000)}
	if got := run(t, assemble(t, fieldLoop)); !reflect.DeepEqual(got, want) {
		t.Fatalf("plain result = %v, want %v", got, want)
	}
	for seed := uint64(1); seed <= 8; seed++ {
		p := assemble(t, fieldLoop)
		st := Apply(p, fullOptions(seed))
		if st.Fused == 0 {
			t.Errorf("seed %d: no idiom fused", seed)
		}
		if got := run(t, p); !reflect.DeepEqual(got, want) {
			t.Errorf("seed %d: result = %v, want %v", seed, got, want)
		}
	}
}

func TestIdempotent(t *testing.T) {
	p := assemble(t, fieldLoop)
	Apply(p, fullOptions(3))
	code := append([]isa.Instruction(nil), p.Code...)
	pool := append([]uint32(nil), p.Pool...)
	consts := append([]vm.Value(nil), p.Constants...)

	st := Apply(p, fullOptions(4))
	if st.Functions != 0 {
		t.Errorf("second Apply transformed %d functions, want 0", st.Functions)
	}
	if !reflect.DeepEqual(code, p.Code) || !reflect.DeepEqual(pool, p.Pool) || !reflect.DeepEqual(consts, p.Constants) {
		t.Error("second Apply changed the prototype")
	}
}

func TestEmptyPrototype(t *testing.T) {
	p := vm.NewPrototype()
	if st := Apply(p, fullOptions(1)); st.Functions != 0 {
		t.Errorf("Functions = %d, want 0", st.Functions)
	}
	if p.Obfuscated {
		t.Error("empty prototype marked obfuscated")
	}
}

func TestPermutationIsBijection(t *testing.T) {
	p := assemble(t, fieldLoop)
	Apply(p, fullOptions(11))
	if len(p.Perm) != 1<<isa.SizeOp {
		t.Fatalf("len(Perm) = %d, want %d", len(p.Perm), 1<<isa.SizeOp)
	}
	seen := make(map[uint8]bool)
	for _, v := range p.Perm {
		if seen[v] {
			t.Fatalf("Perm maps two opcodes to %d", v)
		}
		seen[v] = true
	}
}

func TestRecursesIntoChildren(t *testing.T) {
	p := assemble(t, `
.function inner
LOADK 0 #4
LOADK 1 #5
MUL 0 0 1
RETURN 0 2
.end
CLOSURE 0 inner
CALL 0 1 2
RETURN 0 2
`)
	st := Apply(p, fullOptions(5))
	if st.Functions != 2 {
		t.Errorf("Functions = %d, want 2", st.Functions)
	}
	if !p.Protos[0].Obfuscated {
		t.Error("child not obfuscated")
	}
	if got := run(t, p); !reflect.DeepEqual(got, []vm.Value{int64(20)}) {
		t.Errorf("result = %v, want [20]", got)
	}
}

func TestFusedOpcodes(t *testing.T) {
	tests := []struct {
		name string
		src  string
		pc   int
		want isa.Opcode
	}{
		{
			name: "getadd",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"x\"\nADD 0 0 #7\nRETURN 0 2",
			pc:   1,
			want: isa.OpGetAdd,
		},
		{
			name: "getsub",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"x\"\nSUB 0 0 #7\nRETURN 0 2",
			pc:   1,
			want: isa.OpGetSub,
		},
		{
			name: "getgetsub",
			src:  "VARARG 1 3\nGETTABLE 0 1 #\"x\"\nGETTABLE 3 2 #\"y\"\nSUB 0 0 3\nRETURN 0 2",
			pc:   1,
			want: isa.OpGetGetSub,
		},
		{
			name: "addtofield",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"n\"\nADD 0 0 #5\nSETTABLE 1 #\"n\" 0\nRETURN 0 2",
			pc:   1,
			want: isa.OpAddToField,
		},
		{
			name: "fastdist",
			src:  "VARARG 1 3\nGETTABUP 3 0 #\"sqrt\"\nMOVE 4 3\nMUL 5 1 1\nMUL 6 2 2\nADD 5 5 6\nCALL 4 2 2\nRETURN 4 2",
			pc:   2,
			want: isa.OpFastDist,
		},
		{
			name: "gettablecall",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"f\"\nCALL 0 1 2\nRETURN 0 2",
			pc:   1,
			want: isa.OpGetTableCall,
		},
		{
			name: "target inside idiom",
			src:  "VARARG 1 2\nJMP 0 @mid\nGETTABLE 0 1 #\"x\"\nmid:\nADD 0 0 #7\nRETURN 0 2",
			pc:   2,
			want: isa.OpGetTable,
		},
		{
			name: "no scratch window",
			src:  ".maxstack 254\nVARARG 1 2\nGETTABLE 0 1 #\"x\"\nADD 0 0 #7\nRETURN 0 2",
			pc:   1,
			want: isa.OpGetTable,
		},
		{
			name: "operand overwritten",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"x\"\nADD 0 0 0\nRETURN 0 2",
			pc:   1,
			want: isa.OpGetTable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := assemble(t, tt.src)
			Apply(p, Options{Fuse: true, Source: keys.NewFixedSource(1)})
			if got := p.Instruction(tt.pc).Op(); got != tt.want {
				t.Errorf("op at %d = %s, want %s\n%s", tt.pc, got, tt.want, isa.Disassemble(p.Code))
			}
		})
	}
}

func TestFusedEquivalence(t *testing.T) {
	plainT := func() *vm.Table {
		tbl := vm.NewTable(0, 4)
		tbl.SetString("x", int64(5))
		tbl.SetString("n", int64(1))
		return tbl
	}
	// A table whose fields all come from __index, forcing every fast path
	// to fall back to the expansion.
	metaT := func() *vm.Table {
		tbl := vm.NewTable(0, 0)
		mt := vm.NewTable(0, 1)
		mt.SetString("__index", vm.NewGoFunction("idx", func(_ *vm.Thread, _ []vm.Value) ([]vm.Value, error) {
			return []vm.Value{int64(3)}, nil
		}))
		tbl.SetMetatable(mt)
		return tbl
	}
	tests := []struct {
		name string
		src  string
		args func() []vm.Value
		want []vm.Value
	}{
		{
			name: "getadd raw",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"x\"\nADD 0 0 #7\nRETURN 0 2",
			args: func() []vm.Value { return []vm.Value{plainT()} },
			want: []vm.Value{int64(12)},
		},
		{
			name: "getadd via __index",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"x\"\nADD 0 0 #7\nRETURN 0 2",
			args: func() []vm.Value { return []vm.Value{metaT()} },
			want: []vm.Value{int64(10)},
		},
		{
			name: "getgetsub mixed",
			src:  "VARARG 1 3\nGETTABLE 0 1 #\"x\"\nGETTABLE 3 2 #\"y\"\nSUB 0 0 3\nRETURN 0 2",
			args: func() []vm.Value { return []vm.Value{plainT(), metaT()} },
			want: []vm.Value{int64(2)},
		},
		{
			name: "addtofield raw",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"n\"\nADD 0 0 #5\nSETTABLE 1 #\"n\" 0\nGETTABLE 2 1 #\"n\"\nRETURN 2 2",
			args: func() []vm.Value { return []vm.Value{plainT()} },
			want: []vm.Value{int64(6)},
		},
		{
			name: "addtofield via __index",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"n\"\nADD 0 0 #5\nSETTABLE 1 #\"n\" 0\nRETURN 0 2",
			args: func() []vm.Value { return []vm.Value{metaT()} },
			want: []vm.Value{int64(8)},
		},
		{
			name: "fastdist",
			src:  "VARARG 1 3\nGETTABUP 3 0 #\"sqrt\"\nMOVE 4 3\nMUL 5 1 1\nMUL 6 2 2\nADD 5 5 6\nCALL 4 2 2\nRETURN 4 2",
			args: func() []vm.Value { return []vm.Value{int64(3), int64(4)} },
			want: []vm.Value{5.0},
		},
		{
			name: "fastdist bad operand",
			src:  "VARARG 1 3\nGETTABUP 3 0 #\"sqrt\"\nMOVE 4 3\nMUL 5 1 1\nMUL 6 2 2\nADD 5 5 6\nCALL 4 2 2\nRETURN 4 2",
			args: func() []vm.Value { return []vm.Value{"3", int64(4)} },
			want: []vm.Value{5.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(t, assemble(t, tt.src), tt.args()...); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("plain result = %v, want %v", got, tt.want)
			}
			for seed := uint64(1); seed <= 4; seed++ {
				p := assemble(t, tt.src)
				Apply(p, fullOptions(seed))
				if got := run(t, p, tt.args()...); !reflect.DeepEqual(got, tt.want) {
					t.Errorf("seed %d: result = %v, want %v", seed, got, tt.want)
				}
			}
		})
	}
}

func TestFusedErrorsMatchPlain(t *testing.T) {
	field := func(k string, v vm.Value) func() vm.Value {
		return func() vm.Value {
			tbl := vm.NewTable(0, 1)
			tbl.SetString(k, v)
			return tbl
		}
	}
	value := func(v vm.Value) func() vm.Value { return func() vm.Value { return v } }
	tests := []struct {
		name string
		src  string
		args []func() vm.Value
	}{
		{
			name: "getadd missing field",
			src:  "VARARG 1 2\nGETTABLE 0 1 #\"x\"\nADD 0 0 #7\nRETURN 0 2",
			args: []func() vm.Value{field("y", int64(1))},
		},
		{
			name: "getgetsub second operand not a table",
			src:  "VARARG 1 3\nGETTABLE 0 1 #\"x\"\nGETTABLE 3 2 #\"y\"\nSUB 0 0 3\nRETURN 0 2",
			args: []func() vm.Value{field("x", int64(5)), value(int64(5))},
		},
		{
			name: "getgetsub fails on subtraction",
			src:  "VARARG 1 3\nGETTABLE 0 1 #\"x\"\nGETTABLE 3 2 #\"y\"\nSUB 0 0 3\nRETURN 0 2",
			args: []func() vm.Value{field("x", int64(5)), field("y", "a")},
		},
		{
			name: "addtofield NaN key",
			src:  "VARARG 1 3\nGETTABLE 0 1 2\nADD 0 0 #5\nSETTABLE 1 2 0\nRETURN 0 2",
			args: []func() vm.Value{field("n", int64(1)), value(math.NaN())},
		},
		{
			name: "fastdist fails on second square",
			src:  "VARARG 1 3\nGETTABUP 3 0 #\"sqrt\"\nMOVE 4 3\nMUL 5 1 1\nMUL 6 2 2\nADD 5 5 6\nCALL 4 2 2\nRETURN 4 2",
			args: []func() vm.Value{value(int64(3)), field("y", int64(4))},
		},
	}
	runErr := func(t *testing.T, p *vm.Prototype, args []func() vm.Value) vm.Value {
		t.Helper()
		vals := make([]vm.Value, len(args))
		for i, a := range args {
			vals[i] = a()
		}
		_, err := newState().Run(context.Background(), p, vals...)
		serr, ok := vm.AsError(err)
		if !ok {
			t.Fatalf("Run() error = %v, want a script error", err)
		}
		return serr.Value
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := runErr(t, assemble(t, tt.src), tt.args)
			for seed := uint64(1); seed <= 4; seed++ {
				p := assemble(t, tt.src)
				opts := fullOptions(seed)
				opts.Strip = false
				if st := Apply(p, opts); st.Fused == 0 {
					t.Fatalf("seed %d: idiom not fused", seed)
				}
				if got := runErr(t, p, tt.args); got != want {
					t.Errorf("seed %d: error = %q, want %q", seed, got, want)
				}
			}
		})
	}
}

const yieldingProgram = `
.function idx
.params 2
.upval _ENV 0 0
GETTABUP 2 0 #"yield"
LOADK 3 #"index"
CALL 2 2 2
RETURN 2 2
.end
.function gen
.upval _ENV 0 0
GETTABUP 0 0 #"yield"
LOADK 1 #"call"
CALL 0 2 2
RETURN 0 2
.end
.function getadd
.params 1
GETTABLE 1 0 #"x"
ADD 1 1 #7
RETURN 1 2
.end
.function getcall
.params 1
GETTABLE 1 0 #"f"
CALL 1 1 2
ADD 1 1 #1
RETURN 1 2
.end
CLOSURE 0 idx
CLOSURE 1 gen
CLOSURE 2 getadd
CLOSURE 3 getcall
RETURN 0 5
`

func TestYieldInsideFusedInstructions(t *testing.T) {
	for seed := uint64(0); seed <= 4; seed++ {
		p := assemble(t, yieldingProgram)
		if seed > 0 {
			Apply(p, fullOptions(seed))
		}
		s := newState()
		s.Globals().SetString("yield", vm.NewGoFunction("yield", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
			return t.Yield(args)
		}))
		fns, err := s.Run(context.Background(), p)
		if err != nil {
			t.Fatalf("seed %d: Failed to run: %v", seed, err)
		}
		idx, gen, getadd, getcall := fns[0], fns[1], fns[2], fns[3]

		resume := func(name string, fn, arg, tag, in, want vm.Value) {
			co := s.NewThread(fn)
			rets, err := co.Resume(s.Main(), []vm.Value{arg})
			if err != nil {
				t.Fatalf("seed %d: Failed to resume %s: %v", seed, name, err)
			}
			if !reflect.DeepEqual(rets, []vm.Value{tag}) {
				t.Errorf("seed %d: %s yielded %v, want [%v]", seed, name, rets, tag)
			}
			rets, err = co.Resume(s.Main(), []vm.Value{in})
			if err != nil {
				t.Fatalf("seed %d: Failed to resume %s: %v", seed, name, err)
			}
			if !reflect.DeepEqual(rets, []vm.Value{want}) {
				t.Errorf("seed %d: %s = %v, want [%v]", seed, name, rets, want)
			}
			if got := co.Status(s.Main()); got != vm.StatusDead {
				t.Errorf("seed %d: %s status = %s, want %s", seed, name, got, vm.StatusDead)
			}
		}

		obj := vm.NewTable(0, 0)
		mt := vm.NewTable(0, 1)
		mt.SetString("__index", idx)
		obj.SetMetatable(mt)
		resume("getadd", getadd, obj, "index", int64(5), int64(12))

		holder := vm.NewTable(0, 1)
		holder.SetString("f", gen)
		resume("getcall", getcall, holder, "call", int64(41), int64(42))
	}
}

func TestJunkKeepsOpenResults(t *testing.T) {
	fi := analyze([]isa.Instruction{
		isa.ABC(isa.OpGetTableCall, 1, 0, isa.RKAsK(0)),
		isa.ABC(isa.OpCall, 1, 1, 0),
		isa.ABC(isa.OpReturn, 1, 0, 0),
	})
	if !fi.glued[2] {
		t.Error("slot after a carried open-result CALL is not glued")
	}

	const src = `
GETTABUP 0 0 #"t"
GETTABLE 1 0 #"f"
CALL 1 1 0
RETURN 1 0
`
	f := vm.NewGoFunction("f", func(_ *vm.Thread, _ []vm.Value) ([]vm.Value, error) {
		return []vm.Value{int64(1), int64(2), int64(3)}, nil
	})
	want := []vm.Value{int64(1), int64(2), int64(3)}
	for seed := uint64(1); seed <= 40; seed++ {
		p := assemble(t, src)
		st := Apply(p, Options{Fuse: true, Junk: true, JunkRate: 100, Source: keys.NewFixedSource(seed)})
		if st.Fused == 0 {
			t.Fatalf("seed %d: call not fused", seed)
		}
		s := newState()
		tbl := vm.NewTable(0, 1)
		tbl.SetString("f", f)
		s.Globals().SetString("t", tbl)
		rets, err := s.Run(context.Background(), p)
		if err != nil {
			t.Fatalf("seed %d: Failed to run: %v", seed, err)
		}
		if !reflect.DeepEqual(rets, want) {
			t.Errorf("seed %d: result = %v, want %v", seed, rets, want)
		}
	}
}

func TestRelocationRespectsTargets(t *testing.T) {
	p := assemble(t, `
LOADK 0 #1
LOADK 1 #2
mid:
LOADK 2 #3
MOVE 3 2
LOADNIL 4 1
EQ 0 0 1
JMP 0 @mid
LOADBOOL 0 1 1
LOADK 1 #4
LOADK 2 #5
TEST 0 0
JMP 0 @tail
MOVE 1 0
tail:
MOVE 2 1
GETUPVAL 3 0
RETURN 0 2
`)
	orig := append([]isa.Instruction(nil), p.Code...)
	fi := analyze(orig)
	code := append([]isa.Instruction(nil), orig...)
	pool, runs := relocate(code, keys.NewFixedSource(9))
	if len(runs) == 0 {
		t.Fatal("no runs relocated")
	}
	for _, r := range runs {
		for pc := r.start + 1; pc < r.end; pc++ {
			if fi.target[pc] {
				t.Errorf("run [%d, %d) contains target %d", r.start, r.end, pc)
			}
		}
		if code[r.start].Op() != isa.OpVirtual {
			t.Errorf("run head %d = %s, want VIRTUAL", r.start, code[r.start].Op())
		}
		off := code[r.start].Ax()
		if n := int(pool[off]); n != r.end-r.start {
			t.Errorf("pool header at %d = %d, want %d", off, n, r.end-r.start)
		}
		for k := r.start; k < r.end; k++ {
			if got := isa.Instruction(pool[off+1+k-r.start]); got != orig[k] {
				t.Errorf("pool word for %d = %v, want %v", k, got, orig[k])
			}
		}
	}
}

func TestJunkInsertionKeepsJumps(t *testing.T) {
	for seed := uint64(1); seed <= 6; seed++ {
		p := assemble(t, fieldLoop)
		opts := Options{Junk: true, JunkRate: 100, Source: keys.NewFixedSource(seed)}
		st := Apply(p, opts)
		if st.Junk == 0 {
			t.Errorf("seed %d: no junk inserted", seed)
		}
		if len(p.LineInfo) != len(p.Code) {
			t.Errorf("seed %d: len(LineInfo) = %d, want %d", seed, len(p.LineInfo), len(p.Code))
		}
		want := []vm.Value{int64(500500), int64(3000)}
		if got := run(t, p); !reflect.DeepEqual(got, want) {
			t.Errorf("seed %d: result = %v, want %v", seed, got, want)
		}
	}
}

func TestStrip(t *testing.T) {
	p := assemble(t, ".local x\nLOADK 0 #1\nRETURN 0 2")
	opts := DefaultOptions()
	opts.Strip = true
	opts.Source = keys.NewFixedSource(2)
	Apply(p, opts)
	if p.Source != "" || p.LineInfo != nil || p.LocVars != nil {
		t.Errorf("debug data left: source %q, %d lines, %d locals", p.Source, len(p.LineInfo), len(p.LocVars))
	}
	if p.Upvalues[0].Name != "" {
		t.Errorf("upvalue name = %q, want empty", p.Upvalues[0].Name)
	}
}

func TestSameSeedSameOutput(t *testing.T) {
	a, b := assemble(t, fieldLoop), assemble(t, fieldLoop)
	Apply(a, fullOptions(42))
	Apply(b, fullOptions(42))
	if !reflect.DeepEqual(a.Code, b.Code) || !reflect.DeepEqual(a.Pool, b.Pool) {
		t.Error("identical seeds produced different code")
	}
}
