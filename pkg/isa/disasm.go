package isa

import (
	"fmt"
	"strings"
)

// String renders i as "OPNAME a b c" with RK constants shown as negative
// indices (-1 is K0), the same convention luac -l uses.
func (i Instruction) String() string {
	op := i.Op()
	if !op.Valid() {
		return fmt.Sprintf("OP?%d 0x%08x", uint8(op), uint32(i))
	}
	m := modes[op]
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s", m.Name)
	switch m.Format {
	case FormatABC:
		fmt.Fprintf(&b, "%d", i.A())
		if m.B != ArgN {
			fmt.Fprintf(&b, " %d", rkArg(i.B(), m.B))
		}
		if m.C != ArgN {
			fmt.Fprintf(&b, " %d", rkArg(i.C(), m.C))
		}
	case FormatABx:
		if m.B == ArgK {
			fmt.Fprintf(&b, "%d %d", i.A(), -1-i.Bx())
		} else {
			fmt.Fprintf(&b, "%d %d", i.A(), i.Bx())
		}
	case FormatAsBx:
		fmt.Fprintf(&b, "%d %d", i.A(), i.SBx())
	case FormatAx:
		fmt.Fprintf(&b, "%d", i.Ax())
	}
	return strings.TrimRight(b.String(), " ")
}

func rkArg(x int, mode ArgMode) int {
	if mode == ArgK && IsK(x) {
		return -1 - IndexK(x)
	}
	return x
}

// Disassemble renders code one instruction per line, prefixed by index.
func Disassemble(code []Instruction) string {
	var b strings.Builder
	for pc, i := range code {
		fmt.Fprintf(&b, "%4d  %s\n", pc, i)
	}
	return b.String()
}
