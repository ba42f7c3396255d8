package isa

import (
	"testing"
)

// TestInstructionFields tests encoding and field extraction.
func TestInstructionFields(t *testing.T) {
	tests := []struct {
		name    string
		inst    Instruction
		op      Opcode
		a, b, c int
	}{
		{"move", ABC(OpMove, 1, 2, 0), OpMove, 1, 2, 0},
		{"max fields", ABC(OpAdd, MaxArgA, MaxArgB, MaxArgC), OpAdd, MaxArgA, MaxArgB, MaxArgC},
		{"rk constants", ABC(OpSub, 3, RKAsK(7), RKAsK(255)), OpSub, 3, RKAsK(7), RKAsK(255)},
		{"last opcode", ABC(OpGetTableCall, 0, 1, 2), OpGetTableCall, 0, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.inst.Op(); got != tt.op {
				t.Errorf("Op() = %v, want %v", got, tt.op)
			}
			if got := tt.inst.A(); got != tt.a {
				t.Errorf("A() = %d, want %d", got, tt.a)
			}
			if got := tt.inst.B(); got != tt.b {
				t.Errorf("B() = %d, want %d", got, tt.b)
			}
			if got := tt.inst.C(); got != tt.c {
				t.Errorf("C() = %d, want %d", got, tt.c)
			}
		})
	}
}

// TestSignedDisplacement tests sBx round trips at the range limits.
func TestSignedDisplacement(t *testing.T) {
	for _, sbx := range []int{-MaxArgSBx, -1, 0, 1, MaxArgSBx} {
		i := AsBx(OpJmp, 0, sbx)
		if got := i.SBx(); got != sbx {
			t.Errorf("AsBx(JMP, 0, %d).SBx() = %d", sbx, got)
		}
		if got := i.WithSBx(-sbx).SBx(); got != -sbx {
			t.Errorf("WithSBx(%d).SBx() = %d", -sbx, got)
		}
	}
}

// TestExtendedOperands tests Bx and Ax against their split fields.
func TestExtendedOperands(t *testing.T) {
	i := ABx(OpLoadK, 5, MaxArgBx)
	if i.Bx() != MaxArgBx || i.A() != 5 {
		t.Errorf("ABx = (%d, %d), want (5, %d)", i.A(), i.Bx(), MaxArgBx)
	}

	x := Ax(OpExtraArg, 0x2ABCDEF)
	if x.Ax() != 0x2ABCDEF {
		t.Errorf("Ax() = %#x, want 0x2abcdef", x.Ax())
	}
	f := x.Split()
	if got := int(f.B)<<17 | int(f.C)<<8 | int(f.A); got != x.Ax() {
		t.Errorf("split Ax = %#x, want %#x", got, x.Ax())
	}
}

// TestWithSetters tests that setters leave other fields alone.
func TestWithSetters(t *testing.T) {
	i := ABC(OpGetTable, 1, 2, RKAsK(3))
	j := i.WithOp(OpGetAdd).WithA(9)
	if j.Op() != OpGetAdd || j.A() != 9 || j.B() != 2 || j.C() != RKAsK(3) {
		t.Errorf("WithOp/WithA = %v", j)
	}
	if k := j.WithB(0).WithC(0); k.B() != 0 || k.C() != 0 || k.A() != 9 {
		t.Errorf("WithB/WithC = %v", k)
	}
}

// TestPoolLayouts tests that every layout is a bijection on the word.
func TestPoolLayouts(t *testing.T) {
	words := []uint32{0, 1, 0xFFFFFFFF, 0x12345678, 0xDEADBEEF, 0x80000001}
	for li, l := range PoolLayouts {
		if used := l.Pack(Canonical.Unpack(0xFFFFFFFF)); used != 0xFFFFFFFF {
			t.Errorf("layout %d covers %#x, want all bits", li, used)
		}
		for _, w := range words {
			f := Canonical.Unpack(w)
			packed := l.Pack(f)
			if got := l.Unpack(packed); got != f {
				t.Errorf("layout %d: Unpack(Pack(%+v)) = %+v", li, f, got)
			}
			if back := Canonical.Pack(l.Unpack(packed)); back != w {
				t.Errorf("layout %d: word %#x came back as %#x", li, w, back)
			}
		}
	}
}

// TestModes tests opcode metadata.
func TestModes(t *testing.T) {
	for i := 0; i < NumOpcodes; i++ {
		op := Opcode(i)
		if op.String() == "" {
			t.Errorf("opcode %d has no name", i)
		}
		if got, ok := Lookup(op.String()); !ok || got != op {
			t.Errorf("Lookup(%q) = %v, %v", op.String(), got, ok)
		}
	}
	if NumOpcodes > 1<<SizeOp {
		t.Errorf("NumOpcodes = %d does not fit %d bits", NumOpcodes, SizeOp)
	}
	for _, op := range []Opcode{OpEq, OpLt, OpLe, OpTest, OpTestSet} {
		if !op.IsTest() {
			t.Errorf("%v.IsTest() = false", op)
		}
	}
	if OpMove.IsFused() || !OpFastDist.IsFused() {
		t.Error("IsFused classification is wrong")
	}
	for op, want := range map[Opcode]int{OpMove: 1, OpGetAdd: 2, OpGetGetSub: 3, OpAddToField: 3, OpFastDist: 5, OpGetTableCall: 2} {
		if got := op.Span(); got != want {
			t.Errorf("%v.Span() = %d, want %d", op, got, want)
		}
	}
	if Opcode(63).String() != "OP?" {
		t.Errorf("String() of undefined opcode = %q", Opcode(63).String())
	}
}

// TestDisassemble tests the textual form.
func TestDisassemble(t *testing.T) {
	tests := []struct {
		inst Instruction
		want string
	}{
		{ABC(OpAdd, 0, 1, RKAsK(2)), "ADD         0 1 -3"},
		{ABx(OpLoadK, 1, 0), "LOADK       1 -1"},
		{AsBx(OpJmp, 0, -4), "JMP         0 -4"},
		{ABC(OpReturn, 0, 2, 0), "RETURN      0 2"},
		{Ax(OpVirtual, 12), "VIRTUAL     12"},
	}
	for _, tt := range tests {
		if got := tt.inst.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
