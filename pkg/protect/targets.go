package protect

import "github.com/fortiblox/cloak/pkg/isa"

// flowInfo marks the instruction slots later stages must respect.
type flowInfo struct {
	// target marks slots control can arrive at other than by falling
	// through from the previous slot: branch destinations, the dependent
	// jump after a test, the slot a conditional skip lands on.
	target []bool
	// pinned marks carrier slots that belong to the preceding instruction.
	pinned []bool
	// glued marks slots that must stay adjacent to their predecessor.
	glued []bool
}

// analyze computes jump targets and carrier slots of code.
func analyze(code []isa.Instruction) flowInfo {
	n := len(code)
	fi := flowInfo{
		target: make([]bool, n+1),
		pinned: make([]bool, n+1),
		glued:  make([]bool, n+1),
	}
	mark := func(pc int) {
		if pc >= 0 && pc <= n {
			fi.target[pc] = true
		}
	}
	for pc := 0; pc < n; pc++ {
		i := code[pc]
		op := i.Op()
		switch {
		case isa.ModeOf(op).Format == isa.FormatAsBx:
			mark(pc + 1 + i.SBx())
		case op.IsTest():
			mark(pc + 1)
			mark(pc + 2)
			if pc+1 < n {
				fi.glued[pc+1] = true
			}
		case op == isa.OpLoadBool && i.C() != 0:
			mark(pc + 2)
			if pc+1 < n {
				fi.glued[pc+1] = true
			}
		case op == isa.OpTForCall:
			mark(pc + 1)
		case opensResults(i):
			// Open results may extend past the register window until the
			// next instruction consumes them.
			if pc+1 < n {
				fi.glued[pc+1] = true
			}
		}
		if extra := carriers(i); extra > 0 {
			for k := 1; k <= extra && pc+k < n; k++ {
				fi.pinned[pc+k] = true
				fi.glued[pc+k] = true
				// A fused call carries its CALL word along.
				if opensResults(code[pc+k]) && pc+k+1 < n {
					fi.glued[pc+k+1] = true
				}
			}
			// Filler slots keep the idiom's line records in step with
			// its replayed expansion.
			for k := extra + 1; k < op.Span() && pc+k < n; k++ {
				fi.glued[pc+k] = true
			}
			mark(pc + 1 + extra)
			pc += extra
		}
	}
	return fi
}

// opensResults reports whether i leaves a variable number of values on
// the stack for the next instruction.
func opensResults(i isa.Instruction) bool {
	switch i.Op() {
	case isa.OpCall:
		return i.C() == 0
	case isa.OpVararg:
		return i.B() == 0
	}
	return false
}

// carriers returns the number of main-stream slots that belong to i.
func carriers(i isa.Instruction) int {
	switch op := i.Op(); {
	case op == isa.OpSetList:
		if i.C() == 0 {
			return 1
		}
		return 0
	default:
		return op.Extra()
	}
}

// targetSet lists the marked target indices, for inspection.
func (fi flowInfo) targetSet() []int {
	var out []int
	for pc, t := range fi.target {
		if t {
			out = append(out, pc)
		}
	}
	return out
}
