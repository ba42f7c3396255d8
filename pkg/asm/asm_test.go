package asm

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/vm"
)

func TestAssemble(t *testing.T) {
	p, err := AssembleString("=demo", `
.local n
LOADK 0 #1        ; integer
LOADK 1 #1.0      ; float, kept apart from 1
LOADK 2 #"s"
loop:
ADD 0 0 #1
LT 1 0 #10
JMP 0 @loop
RETURN 0 2
`)
	if err != nil {
		t.Fatalf("Failed to assemble: %v", err)
	}

	if want := []vm.Value{int64(1), 1.0, "s", int64(10)}; !reflect.DeepEqual(p.Constants, want) {
		t.Errorf("Constants = %v, want %v", p.Constants, want)
	}
	if got := p.Code[3]; got.Op() != isa.OpAdd || !isa.IsK(got.C()) || isa.IndexK(got.C()) != 0 {
		t.Errorf("Code[3] = %v, want ADD with constant 0", got)
	}
	if got := p.Code[5].SBx(); got != -3 {
		t.Errorf("jump offset = %d, want -3", got)
	}
	if len(p.LineInfo) != len(p.Code) || p.LineInfo[0] != 3 {
		t.Errorf("LineInfo = %v", p.LineInfo)
	}
	if p.MaxStack != 3 {
		t.Errorf("MaxStack = %d, want 3", p.MaxStack)
	}
	if !p.IsVararg || len(p.Upvalues) != 1 || p.Upvalues[0].Name != "_ENV" {
		t.Errorf("main function header: vararg %v, upvalues %v", p.IsVararg, p.Upvalues)
	}
	if len(p.LocVars) != 1 || p.LocVars[0].EndPC != len(p.Code) {
		t.Errorf("LocVars = %+v", p.LocVars)
	}
}

func TestImplicitReturn(t *testing.T) {
	p, err := AssembleString("=r", "LOADK 0 #1")
	if err != nil {
		t.Fatalf("Failed to assemble: %v", err)
	}
	last := p.Code[len(p.Code)-1]
	if last.Op() != isa.OpReturn || last.B() != 1 {
		t.Errorf("last instruction = %v, want RETURN 0 1", last)
	}
}

func TestNestedFunctions(t *testing.T) {
	p, err := AssembleString("=n", `
.function add
.params 2
ADD 2 0 1
RETURN 2 2
.end
.function id
.params 1
RETURN 0 2
.end
CLOSURE 0 id
CLOSURE 1 add
`)
	if err != nil {
		t.Fatalf("Failed to assemble: %v", err)
	}
	if len(p.Protos) != 2 {
		t.Fatalf("len(Protos) = %d, want 2", len(p.Protos))
	}
	if got := p.Code[1].Bx(); got != 0 {
		t.Errorf("CLOSURE add index = %d, want 0", got)
	}
	add := p.Protos[0]
	if add.NumParams != 2 || add.LineDefined != 2 || add.LastLineDefined != 6 {
		t.Errorf("add header = params %d, lines %d..%d", add.NumParams, add.LineDefined, add.LastLineDefined)
	}
	if add.Source != "=n" {
		t.Errorf("nested Source = %q, want =n", add.Source)
	}
}

func TestSyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown opcode", "FROB 1 2", "line 1: unknown opcode FROB"},
		{"undefined label", "JMP 0 @nowhere", `undefined label "nowhere"`},
		{"duplicate label", "a:\nNOP\na:\nNOP", `line 3: duplicate label "a"`},
		{"missing end", ".function f\nRETURN 0 1", `missing .end for function "f"`},
		{"stray end", ".end", ".end outside a function"},
		{"unknown closure", "CLOSURE 0 g", `CLOSURE: unknown function "g"`},
		{"bad literal", "LOADK 0 #zz", `bad literal "zz"`},
		{"unterminated string", `LOADK 0 #"abc`, "unterminated string"},
		{"too many operands", "MOVE 0 1 2 3", "too many operands"},
		{"unknown directive", ".frob", "unknown directive .frob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AssembleString("=e", tt.src)
			if !errors.Is(err, ErrSyntax) {
				t.Fatalf("error = %v, want ErrSyntax", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}
