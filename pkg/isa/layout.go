package isa

// Fields is an instruction split into its four raw bit fields. Every format
// maps onto it: Bx is B<<9|C and Ax is B<<17|C<<8|A.
type Fields struct {
	Op uint8
	A  uint8
	B  uint16
	C  uint16
}

// Layout places the four fields of an instruction at fixed bit offsets
// within a 32-bit word.
type Layout struct {
	op, a, b, c uint
}

// Canonical is the layout the dispatch loop decodes.
var Canonical = Layout{op: PosOp, a: PosA, b: PosB, c: PosC}

// PoolLayouts are the alternate layouts used for hidden-pool words.
var PoolLayouts = [...]Layout{
	{op: 0, b: 6, a: 15, c: 23}, // op B A C
	{a: 0, b: 8, c: 17, op: 26}, // A B C op
	{c: 0, op: 9, a: 15, b: 23}, // C op A B
	{b: 0, c: 9, op: 18, a: 24}, // B C op A
}

// NumPoolLayouts is the number of alternate pool layouts.
const NumPoolLayouts = len(PoolLayouts)

// Pack encodes f in layout l.
func (l Layout) Pack(f Fields) uint32 {
	return uint32(f.Op)&mask(SizeOp)<<l.op |
		uint32(f.A)&mask(SizeA)<<l.a |
		uint32(f.B)&mask(SizeB)<<l.b |
		uint32(f.C)&mask(SizeC)<<l.c
}

// Unpack decodes a word encoded in layout l.
func (l Layout) Unpack(w uint32) Fields {
	return Fields{
		Op: uint8(w >> l.op & mask(SizeOp)),
		A:  uint8(w >> l.a & mask(SizeA)),
		B:  uint16(w >> l.b & mask(SizeB)),
		C:  uint16(w >> l.c & mask(SizeC)),
	}
}

// Split returns the fields of a canonical instruction.
func (i Instruction) Split() Fields { return Canonical.Unpack(uint32(i)) }

// Join rebuilds a canonical instruction from its fields.
func Join(f Fields) Instruction { return Instruction(Canonical.Pack(f)) }
