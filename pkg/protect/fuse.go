package protect

import (
	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/keys"
)

func isReg(x int) bool { return !isa.IsK(x) }

func extraArg(v int) isa.Instruction { return isa.Ax(isa.OpExtraArg, v) }

var nop = isa.ABC(isa.OpNop, 0, 0, 0)

// fuser replaces fixed idioms with super-instructions.
type fuser struct {
	code    []isa.Instruction
	fi      flowInfo
	src     keys.Source
	fillers []int
	count   int
}

// fuse rewrites idioms in code in place and returns the filler slots it
// vacated.
func fuse(code []isa.Instruction, fi flowInfo, src keys.Source) (fused int, fillers []int) {
	f := &fuser{code: code, fi: fi, src: src}
	for pc := 0; pc < len(code); pc++ {
		if fi.pinned[pc] {
			continue
		}
		if n := f.match(pc); n > 0 {
			f.count++
			pc += n - 1
			continue
		}
		pc += carriers(code[pc])
	}
	return f.count, f.fillers
}

// free reports whether slots pc+1 .. pc+n-1 can be absorbed into an idiom
// starting at pc.
func (f *fuser) free(pc, n int) bool {
	if pc+n > len(f.code) {
		return false
	}
	for k := 1; k < n; k++ {
		if f.fi.target[pc+k] || f.fi.pinned[pc+k] {
			return false
		}
	}
	return true
}

func (f *fuser) emit(pc int, head, carrier isa.Instruction, fill int) {
	f.code[pc] = head
	f.code[pc+1] = carrier
	for k := 0; k < fill; k++ {
		f.code[pc+2+k] = nop
		f.fillers = append(f.fillers, pc+2+k)
	}
}

// match tries every idiom at pc, longest first, and returns the number of
// slots consumed.
func (f *fuser) match(pc int) int {
	c := f.code
	switch c[pc].Op() {
	case isa.OpMove:
		if f.fastDist(pc) {
			return 5
		}
		if f.free(pc, 2) && f.src.Intn(2) == 0 {
			switch c[pc+1].Op() {
			case isa.OpLoadK:
				f.code[pc] = c[pc].WithOp(isa.OpMoveLoadK)
				return 2
			case isa.OpMove:
				f.code[pc] = c[pc].WithOp(isa.OpMoveMove)
				return 2
			}
		}
	case isa.OpGetTable:
		switch {
		case f.getGetSub(pc):
			return 3
		case f.addToField(pc):
			return 3
		case f.getArith(pc):
			return 2
		case f.getTableCall(pc):
			return 2
		}
	}
	return 0
}

// fastDist: MOVE R F; MUL R+1 x x; MUL R+2 y y; ADD R+1 R+1 R+2; CALL R 2 2.
func (f *fuser) fastDist(pc int) bool {
	if !f.free(pc, 5) {
		return false
	}
	c := f.code[pc : pc+5]
	r, fn := c[0].A(), c[0].B()
	x, y := c[1].B(), c[2].B()
	switch {
	case r+2 > isa.MaxArgA:
		return false
	case c[1].Op() != isa.OpMul || c[1].A() != r+1 || c[1].C() != x || !isReg(x):
		return false
	case c[2].Op() != isa.OpMul || c[2].A() != r+2 || c[2].C() != y || !isReg(y):
		return false
	case c[3].Op() != isa.OpAdd || c[3].A() != r+1 || c[3].B() != r+1 || c[3].C() != r+2:
		return false
	case c[4].Op() != isa.OpCall || c[4].A() != r || c[4].B() != 2 || c[4].C() != 2:
		return false
	}
	for _, v := range []int{x, y} {
		if v >= r && v <= r+2 {
			return false
		}
	}
	f.emit(pc, isa.ABC(isa.OpFastDist, r, x, y), extraArg(fn), 3)
	return true
}

// getGetSub: GETTABLE A B C; GETTABLE T E F; SUB A A T.
func (f *fuser) getGetSub(pc int) bool {
	if !f.free(pc, 3) {
		return false
	}
	c := f.code[pc : pc+3]
	a := c[0].A()
	t, e, k := c[1].A(), c[1].B(), c[1].C()
	switch {
	case c[1].Op() != isa.OpGetTable || c[2].Op() != isa.OpSub:
		return false
	case c[2].A() != a || c[2].B() != a || c[2].C() != t:
		return false
	case t == a || e == a || isReg(k) && k == a:
		return false
	}
	f.emit(pc, c[0].WithOp(isa.OpGetGetSub), extraArg(t<<17|e<<9|k), 1)
	return true
}

// addToField: GETTABLE X T K; ADD X X V; SETTABLE T K X.
func (f *fuser) addToField(pc int) bool {
	if !f.free(pc, 3) {
		return false
	}
	c := f.code[pc : pc+3]
	x, t, k := c[0].A(), c[0].B(), c[0].C()
	v := c[1].C()
	switch {
	case c[1].Op() != isa.OpAdd || c[2].Op() != isa.OpSetTable:
		return false
	case c[1].A() != x || c[1].B() != x:
		return false
	case c[2].A() != t || c[2].B() != k || c[2].C() != x:
		return false
	case x == t || isReg(k) && k == x || isReg(v) && v == x:
		return false
	}
	f.emit(pc, c[0].WithOp(isa.OpAddToField), extraArg(v), 1)
	return true
}

// getArith: GETTABLE A B C; ADD|SUB A A D.
func (f *fuser) getArith(pc int) bool {
	if !f.free(pc, 2) {
		return false
	}
	c := f.code[pc : pc+2]
	a := c[0].A()
	d := c[1].C()
	var op isa.Opcode
	switch c[1].Op() {
	case isa.OpAdd:
		op = isa.OpGetAdd
	case isa.OpSub:
		op = isa.OpGetSub
	default:
		return false
	}
	if c[1].A() != a || c[1].B() != a || isReg(d) && d == a {
		return false
	}
	f.emit(pc, c[0].WithOp(op), extraArg(d), 0)
	return true
}

// getTableCall: GETTABLE A B C; CALL A ...
func (f *fuser) getTableCall(pc int) bool {
	if !f.free(pc, 2) {
		return false
	}
	c := f.code[pc : pc+2]
	if c[1].Op() != isa.OpCall || c[1].A() != c[0].A() {
		return false
	}
	f.code[pc] = c[0].WithOp(isa.OpGetTableCall)
	return true
}
