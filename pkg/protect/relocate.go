package protect

import (
	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/keys"
)

// maxRun bounds a relocated run so its length fits one header byte.
const maxRun = 255

// poolSafe reports whether op can execute from the hidden pool. Pool runs
// never call, never raise and never branch.
func poolSafe(op isa.Opcode) bool {
	switch op {
	case isa.OpMove, isa.OpLoadK, isa.OpLoadNil, isa.OpGetUpval:
		return true
	}
	return false
}

// span is a relocated run of main-stream slots [start, end).
type span struct{ start, end int }

// relocate moves straight-line runs of pool-safe instructions into a
// hidden pool. Each pool entry is a header word holding the run length
// followed by the run itself, in canonical plain form. The first main
// slot of a run becomes a VIRTUAL pointing at the header; the rest are
// overwritten with random-looking EXTRAARG placeholders.
func relocate(code []isa.Instruction, src keys.Source) (pool []uint32, runs []span) {
	fi := analyze(code)
	for pc := 0; pc < len(code); {
		if !poolSafe(code[pc].Op()) || fi.pinned[pc] {
			pc += 1 + carriers(code[pc])
			continue
		}
		end := pc + 1
		for end < len(code) && end-pc < maxRun &&
			poolSafe(code[end].Op()) && !fi.pinned[end] && !fi.target[end] {
			end++
		}
		if end-pc > 1 {
			off := len(pool)
			pool = append(pool, uint32(end-pc))
			for k := pc; k < end; k++ {
				pool = append(pool, uint32(code[k]))
			}
			code[pc] = isa.Ax(isa.OpVirtual, off)
			for k := pc + 1; k < end; k++ {
				code[k] = extraArg(src.Intn(isa.MaxArgAx + 1))
			}
			runs = append(runs, span{pc, end})
		}
		pc = end
	}
	return pool, runs
}

// poolWords calls fn for every instruction word of pool, skipping headers.
func poolWords(pool []uint32, fn func(idx int)) {
	for idx := 0; idx < len(pool); {
		n := int(pool[idx])
		for k := 1; k <= n && idx+k < len(pool); k++ {
			fn(idx + k)
		}
		idx += n + 1
	}
}
