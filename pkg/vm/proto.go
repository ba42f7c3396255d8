package vm

import (
	"sync/atomic"
	"weak"

	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/keys"
)

// ConstPolicy selects which constant kinds are stored encrypted.
type ConstPolicy uint8

// Constant encryption policy bits.
const (
	ConstInts ConstPolicy = 1 << iota
	ConstFloats
	ConstStrings
)

// UpvalDesc describes where a closure finds an upvalue when it is created.
type UpvalDesc struct {
	Name    string
	InStack bool // captured from the enclosing function's registers
	Index   int  // register or enclosing upvalue index
}

// LocVar is a local variable's debug record.
type LocVar struct {
	Name    string
	StartPC int
	EndPC   int
}

// Prototype is the compiled form of one function body.
type Prototype struct {
	Source          string
	LineDefined     int
	LastLineDefined int
	NumParams       int
	IsVararg        bool
	MaxStack        int

	Code      []isa.Instruction
	Constants []Value
	Upvalues  []UpvalDesc
	Protos    []*Prototype

	LineInfo []int32
	LocVars  []LocVar

	// Protection metadata, written once by the protector.
	Obfuscated  bool
	Encrypted   bool
	Seed        uint32
	Salt        uint32
	ScratchBase int // -1 when no scratch window is reserved
	Perm        []uint8
	Pool        []uint32
	Layout      uint8
	ConstCrypt  ConstPolicy

	// Decode state derived by Prepare.
	key    uint32
	wide   uint64
	inv    [1 << isa.SizeOp]uint8
	layout isa.Layout

	cache atomic.Pointer[closureCache]
}

// NewPrototype returns an empty prototype with no scratch window.
func NewPrototype() *Prototype {
	p := &Prototype{ScratchBase: -1}
	p.Prepare()
	return p
}

// Key returns the per-function instruction key.
func (p *Prototype) Key() uint32 { return p.key }

// ConstKey returns the per-function constant key.
func (p *Prototype) ConstKey() uint64 { return p.wide }

// Prepare derives the decode state (instruction key, inverse opcode table
// and pool layout) from the stored protection metadata. It must be called
// after the metadata changes; the protector and the chunk loader do so.
func (p *Prototype) Prepare() {
	p.key = keys.Derive(p.Seed, p.Salt, keys.Features(len(p.Code), len(p.Constants), p.NumParams))
	p.wide = keys.Wide(p.key, p.Salt)
	for i := range p.inv {
		p.inv[i] = uint8(i)
	}
	for logical, physical := range p.Perm {
		p.inv[physical] = uint8(logical)
	}
	p.layout = isa.PoolLayouts[int(p.Layout)%isa.NumPoolLayouts]
}

// LayoutFor picks the pool layout index for a seed.
func LayoutFor(seed uint32) uint8 {
	return uint8((seed >> 7) % uint32(isa.NumPoolLayouts))
}

// Instruction decodes the main-stream word at pc.
func (p *Prototype) Instruction(pc int) isa.Instruction {
	w := uint32(p.Code[pc])
	if p.Encrypted {
		w = keys.DecryptWord(w, pc, p.key)
	}
	return isa.Instruction(w&^(1<<isa.SizeOp-1) | uint32(p.inv[w&(1<<isa.SizeOp-1)]))
}

// PoolInstruction decodes the hidden-pool word at idx.
func (p *Prototype) PoolInstruction(idx int) isa.Instruction {
	w := p.Pool[idx]
	if p.Encrypted {
		w = keys.DecryptWord(w, idx, p.key^keys.PoolTweak)
	}
	f := p.layout.Unpack(^w)
	f.Op = p.inv[f.Op]
	return isa.Join(f)
}

// PoolCount decodes the run-length header at idx.
func (p *Prototype) PoolCount(idx int) int {
	w := p.Pool[idx]
	if p.Encrypted {
		w = keys.DecryptWord(w, idx, p.key^keys.PoolTweak)
	}
	return int(w)
}

// Constant returns constant i in plain form.
func (p *Prototype) Constant(i int) Value {
	v := p.Constants[i]
	if p.ConstCrypt == 0 {
		return v
	}
	switch x := v.(type) {
	case int64:
		if p.ConstCrypt&ConstInts != 0 {
			return keys.DecryptInt(x, p.wide)
		}
	case float64:
		if p.ConstCrypt&ConstFloats != 0 {
			return keys.CryptFloat(x, p.wide)
		}
	case string:
		if p.ConstCrypt&ConstStrings != 0 {
			return keys.CryptString(x, p.wide, i)
		}
	}
	return v
}

// Expansion returns the plain instruction sequence a super-instruction at
// pc stands for. Carriers are decoded through the same pipeline as any
// other main-stream word. n is 0 when pc does not hold a super-instruction.
func (p *Prototype) Expansion(pc int) (seq [5]isa.Instruction, n int) {
	i := p.Instruction(pc)
	op := i.Op()
	if !op.IsFused() {
		return seq, 0
	}
	x := p.Instruction(pc + 1)
	a, b, c := i.A(), i.B(), i.C()
	switch op {
	case isa.OpGetAdd, isa.OpGetSub:
		arith := isa.OpAdd
		if op == isa.OpGetSub {
			arith = isa.OpSub
		}
		seq[0] = isa.ABC(isa.OpGetTable, a, b, c)
		seq[1] = isa.ABC(arith, a, a, x.Ax())
		return seq, 2
	case isa.OpGetGetSub:
		ax := x.Ax()
		tmp, e, f := ax>>17&0xFF, ax>>9&0xFF, ax&0x1FF
		seq[0] = isa.ABC(isa.OpGetTable, a, b, c)
		seq[1] = isa.ABC(isa.OpGetTable, tmp, e, f)
		seq[2] = isa.ABC(isa.OpSub, a, a, tmp)
		return seq, 3
	case isa.OpAddToField:
		v := x.Ax()
		seq[0] = isa.ABC(isa.OpGetTable, a, b, c)
		seq[1] = isa.ABC(isa.OpAdd, a, a, v)
		seq[2] = isa.ABC(isa.OpSetTable, b, c, a)
		return seq, 3
	case isa.OpFastDist:
		f := x.Ax()
		seq[0] = isa.ABC(isa.OpMove, a, f, 0)
		seq[1] = isa.ABC(isa.OpMul, a+1, b, b)
		seq[2] = isa.ABC(isa.OpMul, a+2, c, c)
		seq[3] = isa.ABC(isa.OpAdd, a+1, a+1, a+2)
		seq[4] = isa.ABC(isa.OpCall, a, 2, 2)
		return seq, 5
	case isa.OpMoveLoadK, isa.OpMoveMove:
		seq[0] = isa.ABC(isa.OpMove, a, b, 0)
		seq[1] = x
		return seq, 2
	case isa.OpGetTableCall:
		seq[0] = isa.ABC(isa.OpGetTable, a, b, c)
		seq[1] = x
		return seq, 2
	}
	return seq, 0
}

// Line returns the source line of instruction pc, or -1 when unknown.
func (p *Prototype) Line(pc int) int {
	if pc < 0 || pc >= len(p.LineInfo) {
		return -1
	}
	return int(p.LineInfo[pc])
}

// closureCache is a weak back-reference from a prototype to the last
// closure built from it, valid only within the state epoch it was
// recorded in.
type closureCache struct {
	ref   weak.Pointer[Closure]
	epoch uint64
}

// cached returns a closure for p whose upvalues match want, if one is
// still alive and recorded in the current epoch.
func (p *Prototype) cached(epoch uint64, want func(i int) *Upvalue) *Closure {
	c := p.cache.Load()
	if c == nil || c.epoch != epoch {
		return nil
	}
	cl := c.ref.Value()
	if cl == nil {
		return nil
	}
	for i := range p.Upvalues {
		if cl.upvals[i] != want(i) {
			return nil
		}
	}
	return cl
}

func (p *Prototype) remember(cl *Closure, epoch uint64) {
	p.cache.Store(&closureCache{ref: weak.Make(cl), epoch: epoch})
}

// Walk calls fn for p and every nested prototype, parents first.
func (p *Prototype) Walk(fn func(*Prototype)) {
	fn(p)
	for _, child := range p.Protos {
		child.Walk(fn)
	}
}
