// Package asm assembles the cloak textual bytecode format into prototype
// trees.
//
// A source file is the body of the main function. Each line holds at most
// one label, directive or instruction; ';' starts a comment.
//
//	.source "=demo"          chunk name used in messages
//	.params 2                fixed parameter count
//	.vararg                  function takes varargs
//	.maxstack 8              register count (computed when omitted)
//	.upval x 1 3             upvalue: name, in-stack flag, index
//	.local i                 local variable starting at the next instruction
//	.function name           nested function, closed by .end
//	loop:                    label
//	GETTABUP 0 0 #"print"    instruction
//
// Operands are plain integers, constants written '#' followed by a literal
// (#10, #2.5, #"s", #true, #nil), jump targets written '@label', and nested
// function names for CLOSURE. A constant in an RK position is encoded with
// the constant bit set. The main function gets the _ENV upvalue and the
// vararg flag implicitly. Every instruction records the line it was
// written on.
package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/vm"
)

// ErrSyntax is wrapped by every assembly error.
var ErrSyntax = errors.New("asm: syntax error")

type fixup struct {
	pc    int
	label string
	line  int
}

type function struct {
	name     string
	proto    *vm.Prototype
	parent   *function
	labels   map[string]int
	fixups   []fixup
	children map[string]int
	consts   map[any]int
	maxstack int
	explicit bool
	locals   []int
}

func newFunction(name string, parent *function, line int) *function {
	p := vm.NewPrototype()
	p.LineDefined = line
	if parent != nil {
		p.Source = parent.proto.Source
	}
	return &function{
		name:     name,
		proto:    p,
		parent:   parent,
		labels:   make(map[string]int),
		children: make(map[string]int),
		consts:   make(map[any]int),
	}
}

// constKey keeps 1 and 1.0 apart in the constant table.
type constKey struct {
	kind string
	v    any
}

func (f *function) constant(v vm.Value) int {
	key := constKey{vm.TypeName(v), v}
	if _, ok := v.(float64); ok {
		key.kind = "float"
	}
	if idx, ok := f.consts[key]; ok {
		return idx
	}
	idx := len(f.proto.Constants)
	f.proto.Constants = append(f.proto.Constants, v)
	f.consts[key] = idx
	return idx
}

// Assemble parses src into a main-function prototype. name becomes the
// chunk source unless a .source directive overrides it.
func Assemble(name string, src []byte) (*vm.Prototype, error) {
	main := newFunction("main", nil, 0)
	main.proto.Source = name
	main.proto.IsVararg = true
	main.proto.Upvalues = []vm.UpvalDesc{{Name: "_ENV", InStack: true, Index: 0}}
	cur := main
	lines := strings.Split(string(src), "\n")
	for n, raw := range lines {
		line := n + 1
		toks, err := tokenize(raw)
		if err != nil {
			return nil, syntaxError(line, "%v", err)
		}
		if len(toks) > 0 && strings.HasSuffix(toks[0], ":") && !strings.HasPrefix(toks[0], "#") {
			label := strings.TrimSuffix(toks[0], ":")
			if _, dup := cur.labels[label]; dup {
				return nil, syntaxError(line, "duplicate label %q", label)
			}
			cur.labels[label] = len(cur.proto.Code)
			toks = toks[1:]
		}
		if len(toks) == 0 {
			continue
		}
		if strings.HasPrefix(toks[0], ".") {
			next, err := cur.directive(toks, line)
			if err != nil {
				return nil, err
			}
			cur = next
			continue
		}
		if err := cur.instruction(toks, line); err != nil {
			return nil, err
		}
	}
	if cur != main {
		return nil, syntaxError(len(lines), "missing .end for function %q", cur.name)
	}
	if err := main.finish(len(lines)); err != nil {
		return nil, err
	}
	return main.proto, nil
}

// AssembleString is Assemble for a string source.
func AssembleString(name, src string) (*vm.Prototype, error) {
	return Assemble(name, []byte(src))
}

func syntaxError(line int, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, line, fmt.Sprintf(format, args...))
}

func (f *function) directive(toks []string, line int) (*function, error) {
	args := toks[1:]
	intArg := func(i int) (int, error) {
		if i >= len(args) {
			return 0, syntaxError(line, "%s: missing operand", toks[0])
		}
		v, err := strconv.Atoi(args[i])
		if err != nil {
			return 0, syntaxError(line, "%s: bad operand %q", toks[0], args[i])
		}
		return v, nil
	}
	p := f.proto
	switch toks[0] {
	case ".source":
		if len(args) != 1 {
			return nil, syntaxError(line, ".source takes one string")
		}
		s, err := strconv.Unquote(args[0])
		if err != nil {
			return nil, syntaxError(line, ".source: %v", err)
		}
		p.Source = s
	case ".params":
		v, err := intArg(0)
		if err != nil {
			return nil, err
		}
		p.NumParams = v
	case ".vararg":
		p.IsVararg = true
	case ".maxstack":
		v, err := intArg(0)
		if err != nil {
			return nil, err
		}
		f.maxstack = v
		f.explicit = true
	case ".upval":
		if len(args) != 3 {
			return nil, syntaxError(line, ".upval takes name, in-stack flag and index")
		}
		in, err := intArg(1)
		if err != nil {
			return nil, err
		}
		idx, err := intArg(2)
		if err != nil {
			return nil, err
		}
		p.Upvalues = append(p.Upvalues, vm.UpvalDesc{Name: args[0], InStack: in != 0, Index: idx})
	case ".local":
		if len(args) != 1 {
			return nil, syntaxError(line, ".local takes a name")
		}
		f.locals = append(f.locals, len(p.LocVars))
		p.LocVars = append(p.LocVars, vm.LocVar{Name: args[0], StartPC: len(p.Code), EndPC: -1})
	case ".function":
		if len(args) != 1 {
			return nil, syntaxError(line, ".function takes a name")
		}
		if _, dup := f.children[args[0]]; dup {
			return nil, syntaxError(line, "duplicate function %q", args[0])
		}
		child := newFunction(args[0], f, line)
		f.children[args[0]] = len(p.Protos)
		p.Protos = append(p.Protos, child.proto)
		return child, nil
	case ".end":
		if f.parent == nil {
			return nil, syntaxError(line, ".end outside a function")
		}
		if err := f.finish(line); err != nil {
			return nil, err
		}
		return f.parent, nil
	default:
		return nil, syntaxError(line, "unknown directive %s", toks[0])
	}
	return f, nil
}

func (f *function) instruction(toks []string, line int) error {
	op, ok := isa.Lookup(strings.ToUpper(toks[0]))
	if !ok {
		return syntaxError(line, "unknown opcode %s", toks[0])
	}
	m := isa.ModeOf(op)
	args := toks[1:]
	ops := make([]int, 3)
	pc := len(f.proto.Code)
	for n, a := range args {
		if n >= 3 {
			return syntaxError(line, "%s: too many operands", m.Name)
		}
		v, err := f.operand(op, m, n, a, pc, line)
		if err != nil {
			return err
		}
		ops[n] = v
	}
	var i isa.Instruction
	switch m.Format {
	case isa.FormatABC:
		i = isa.ABC(op, ops[0], ops[1], ops[2])
	case isa.FormatABx:
		i = isa.ABx(op, ops[0], ops[1])
	case isa.FormatAsBx:
		i = isa.AsBx(op, ops[0], ops[1])
	case isa.FormatAx:
		i = isa.Ax(op, ops[0])
	}
	f.proto.Code = append(f.proto.Code, i)
	f.proto.LineInfo = append(f.proto.LineInfo, int32(line))
	f.maxstack = max(f.maxstack, registersUsed(i, m))
	return nil
}

func (f *function) operand(op isa.Opcode, m isa.Mode, n int, tok string, pc, line int) (int, error) {
	switch {
	case strings.HasPrefix(tok, "#"):
		v, err := parseLiteral(tok[1:])
		if err != nil {
			return 0, syntaxError(line, "%s: %v", m.Name, err)
		}
		k := f.constant(v)
		rk := n == 1 && m.B == isa.ArgK || n == 2 && m.C == isa.ArgK
		if rk && m.Format == isa.FormatABC {
			if k > isa.MaxIndexRK {
				return 0, syntaxError(line, "%s: constant %d out of RK range", m.Name, k)
			}
			return isa.RKAsK(k), nil
		}
		return k, nil
	case strings.HasPrefix(tok, "@"):
		f.fixups = append(f.fixups, fixup{pc: pc, label: tok[1:], line: line})
		return 0, nil
	}
	v, err := strconv.Atoi(tok)
	if err == nil {
		return v, nil
	}
	if op == isa.OpClosure && n == 1 {
		if idx, ok := f.children[tok]; ok {
			return idx, nil
		}
		return 0, syntaxError(line, "CLOSURE: unknown function %q", tok)
	}
	return 0, syntaxError(line, "%s: bad operand %q", m.Name, tok)
}

func parseLiteral(s string) (vm.Value, error) {
	switch s {
	case "nil":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if strings.HasPrefix(s, `"`) {
		return strconv.Unquote(s)
	}
	v, ok := vm.StringToNumber(s)
	if !ok {
		return nil, fmt.Errorf("bad literal %q", s)
	}
	return v, nil
}

// registersUsed returns the register count an instruction needs.
func registersUsed(i isa.Instruction, m isa.Mode) int {
	a, b, c := i.A(), i.B(), i.C()
	need := a + 1
	reg := func(x int, mode isa.ArgMode) {
		if mode == isa.ArgR || mode == isa.ArgK && !isa.IsK(x) {
			need = max(need, x+1)
		}
	}
	switch i.Op() {
	case isa.OpJmp, isa.OpExtraArg, isa.OpVirtual, isa.OpNop:
		return 0
	case isa.OpSetTabUp, isa.OpEq, isa.OpLt, isa.OpLe:
		need = 0
	case isa.OpLoadNil:
		return a + b + 1
	case isa.OpSelf:
		need = a + 2
	case isa.OpCall, isa.OpTailCall:
		need = max(a+1, a+b, a+c-1)
	case isa.OpForPrep, isa.OpForLoop:
		need = a + 4
	case isa.OpTForCall:
		need = a + 3 + max(c, 1)
	case isa.OpTForLoop:
		need = a + 2
	case isa.OpVararg:
		need = max(a+1, a+b-1)
	case isa.OpSetList:
		need = a + b + 1
	case isa.OpConcat:
		need = max(a+1, c+1)
	}
	if m.Format == isa.FormatABC {
		reg(b, m.B)
		reg(c, m.C)
	}
	return need
}

// finish resolves labels and fills in derived fields.
func (f *function) finish(line int) error {
	p := f.proto
	for _, fx := range f.fixups {
		target, ok := f.labels[fx.label]
		if !ok {
			return syntaxError(fx.line, "undefined label %q", fx.label)
		}
		p.Code[fx.pc] = p.Code[fx.pc].WithSBx(target - (fx.pc + 1))
	}
	for _, idx := range f.locals {
		p.LocVars[idx].EndPC = len(p.Code)
	}
	p.LastLineDefined = line
	if !f.explicit {
		f.maxstack = max(f.maxstack, p.NumParams, 2)
	}
	if f.maxstack > isa.MaxArgA+1 {
		return syntaxError(line, "function %q needs %d registers", f.name, f.maxstack)
	}
	p.MaxStack = f.maxstack
	if len(p.Code) == 0 || p.Code[len(p.Code)-1].Op() != isa.OpReturn {
		p.Code = append(p.Code, isa.ABC(isa.OpReturn, 0, 1, 0))
		p.LineInfo = append(p.LineInfo, int32(line))
	}
	p.Prepare()
	return nil
}

// tokenize splits a line on blanks, keeping quoted strings whole and
// dropping comments.
func tokenize(line string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == ',':
			i++
			continue
		case c == ';':
			return toks, nil
		}
		start := i
		for i < len(line) && line[i] != ' ' && line[i] != '\t' && line[i] != '\r' && line[i] != ',' && line[i] != ';' {
			if line[i] == '"' {
				i++
				for i < len(line) && line[i] != '"' {
					if line[i] == '\\' {
						i++
					}
					i++
				}
				if i >= len(line) {
					return nil, errors.New("unterminated string")
				}
			}
			i++
		}
		toks = append(toks, line[start:i])
	}
	return toks, nil
}
