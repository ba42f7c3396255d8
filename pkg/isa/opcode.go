// Package isa defines the cloak instruction set and its 32-bit encoding.
//
// Instructions are unsigned 32-bit words laid out as
//
//	 31      23      14       6     0
//	+--------+--------+--------+-----+
//	|   B:9  |   C:9  |  A:8   |op:6 |  iABC
//	|      Bx:18      |  A:8   |op:6 |  iABx / iAsBx
//	|          Ax:26           |op:6 |  iAx
//	+--------------------------+-----+
//
// Register/constant operands (RK) use bit 8 of B or C to select the
// constant pool.
package isa

// Opcode identifies an operation.
type Opcode uint8

// Base opcodes.
const (
	OpMove     Opcode = iota // R(A) := R(B)
	OpLoadK                  // R(A) := K(Bx)
	OpLoadKX                 // R(A) := K(extra arg)
	OpLoadBool               // R(A) := (bool)B; if (C) pc++
	OpLoadNil                // R(A), R(A+1), ..., R(A+B) := nil
	OpGetUpval               // R(A) := UpValue[B]
	OpGetTabUp               // R(A) := UpValue[B][RK(C)]
	OpGetTable               // R(A) := R(B)[RK(C)]
	OpSetTabUp               // UpValue[A][RK(B)] := RK(C)
	OpSetUpval               // UpValue[B] := R(A)
	OpSetTable               // R(A)[RK(B)] := RK(C)
	OpNewTable               // R(A) := {} (size = B,C)
	OpSelf                   // R(A+1) := R(B); R(A) := R(B)[RK(C)]
	OpAdd                    // R(A) := RK(B) + RK(C)
	OpSub
	OpMul
	OpMod
	OpPow
	OpDiv
	OpIDiv
	OpBAnd
	OpBOr
	OpBXor
	OpShl
	OpShr
	OpUnm      // R(A) := -R(B)
	OpBNot     // R(A) := ~R(B)
	OpNot      // R(A) := not R(B)
	OpLen      // R(A) := length of R(B)
	OpConcat   // R(A) := R(B).. ... ..R(C)
	OpJmp      // pc += sBx; if (A) close all upvalues >= R(A - 1)
	OpEq       // if ((RK(B) == RK(C)) ~= A) then pc++
	OpLt       // if ((RK(B) <  RK(C)) ~= A) then pc++
	OpLe       // if ((RK(B) <= RK(C)) ~= A) then pc++
	OpTest     // if not (R(A) <=> C) then pc++
	OpTestSet  // if (R(B) <=> C) then R(A) := R(B) else pc++
	OpCall     // R(A), ... ,R(A+C-2) := R(A)(R(A+1), ... ,R(A+B-1))
	OpTailCall // return R(A)(R(A+1), ... ,R(A+B-1))
	OpReturn   // return R(A), ... ,R(A+B-2)
	OpForLoop  // R(A)+=R(A+2); if R(A) <?= R(A+1) then { pc+=sBx; R(A+3)=R(A) }
	OpForPrep  // R(A)-=R(A+2); pc+=sBx
	OpTForCall // R(A+3), ... ,R(A+2+C) := R(A)(R(A+1), R(A+2))
	OpTForLoop // if R(A+1) ~= nil then { R(A)=R(A+1); pc += sBx }
	OpSetList  // R(A)[(C-1)*FPF+i] := R(A+i), 1 <= i <= B
	OpClosure  // R(A) := closure(KPROTO[Bx])
	OpVararg   // R(A), R(A+1), ..., R(A+B-2) = vararg
	OpExtraArg // extra (larger) argument for previous opcode
)

// Opcodes introduced by the protection pipeline.
const (
	OpVirtual      Opcode = iota + OpExtraArg + 1 // enter hidden pool run at Ax
	OpNop                                         // no operation
	OpGetAdd                                      // R(A) := R(B)[RK(C)] + RK(D)
	OpGetSub                                      // R(A) := R(B)[RK(C)] - RK(D)
	OpGetGetSub                                   // R(A) := R(B)[RK(C)] - R(E)[RK(F)]
	OpAddToField                                  // R(B)[RK(C)] += RK(V) via R(A)
	OpFastDist                                    // R(A) := sqrt(R(B)^2 + R(C)^2)
	OpMoveLoadK                                   // MOVE then the carried LOADK
	OpMoveMove                                    // MOVE then the carried MOVE
	OpGetTableCall                                // GETTABLE then the carried CALL

	NumOpcodes = int(OpGetTableCall) + 1
)

// Field sizes and positions.
const (
	SizeOp = 6
	SizeA  = 8
	SizeB  = 9
	SizeC  = 9
	SizeBx = SizeB + SizeC
	SizeAx = SizeA + SizeB + SizeC

	PosOp = 0
	PosA  = PosOp + SizeOp
	PosC  = PosA + SizeA
	PosB  = PosC + SizeC
	PosBx = PosC
	PosAx = PosA
)

// Operand limits.
const (
	MaxArgA   = 1<<SizeA - 1
	MaxArgB   = 1<<SizeB - 1
	MaxArgC   = 1<<SizeC - 1
	MaxArgBx  = 1<<SizeBx - 1
	MaxArgSBx = MaxArgBx >> 1
	MaxArgAx  = 1<<SizeAx - 1

	// BitRK marks an RK operand as a constant index.
	BitRK = 1 << (SizeB - 1)
	// MaxIndexRK is the largest constant index encodable as RK.
	MaxIndexRK = BitRK - 1

	// FieldsPerFlush is the number of list items SETLIST stores per batch.
	FieldsPerFlush = 50
)

// Instruction is one encoded 32-bit instruction word.
type Instruction uint32

func mask(n uint) uint32 { return 1<<n - 1 }

// Op returns the opcode (bits 0-5).
func (i Instruction) Op() Opcode {
	return Opcode(uint32(i) >> PosOp & mask(SizeOp))
}

// A returns the A operand (bits 6-13).
func (i Instruction) A() int {
	return int(uint32(i) >> PosA & mask(SizeA))
}

// B returns the B operand (bits 23-31).
func (i Instruction) B() int {
	return int(uint32(i) >> PosB & mask(SizeB))
}

// C returns the C operand (bits 14-22).
func (i Instruction) C() int {
	return int(uint32(i) >> PosC & mask(SizeC))
}

// Bx returns the unsigned large operand (bits 14-31).
func (i Instruction) Bx() int {
	return int(uint32(i) >> PosBx & mask(SizeBx))
}

// SBx returns the signed displacement, relative to the following instruction.
func (i Instruction) SBx() int {
	return i.Bx() - MaxArgSBx
}

// Ax returns the extended operand (bits 6-31).
func (i Instruction) Ax() int {
	return int(uint32(i) >> PosAx & mask(SizeAx))
}

func (i Instruction) set(v uint32, pos, size uint) Instruction {
	m := mask(size) << pos
	return Instruction(uint32(i)&^m | v<<pos&m)
}

// WithOp returns i with its opcode field replaced.
func (i Instruction) WithOp(op Opcode) Instruction { return i.set(uint32(op), PosOp, SizeOp) }

// WithA returns i with its A field replaced.
func (i Instruction) WithA(a int) Instruction { return i.set(uint32(a), PosA, SizeA) }

// WithB returns i with its B field replaced.
func (i Instruction) WithB(b int) Instruction { return i.set(uint32(b), PosB, SizeB) }

// WithC returns i with its C field replaced.
func (i Instruction) WithC(c int) Instruction { return i.set(uint32(c), PosC, SizeC) }

// WithSBx returns i with its signed displacement replaced.
func (i Instruction) WithSBx(sbx int) Instruction {
	return i.set(uint32(sbx+MaxArgSBx), PosBx, SizeBx)
}

// ABC encodes an iABC instruction.
func ABC(op Opcode, a, b, c int) Instruction {
	return Instruction(uint32(op)<<PosOp |
		uint32(a)&mask(SizeA)<<PosA |
		uint32(b)&mask(SizeB)<<PosB |
		uint32(c)&mask(SizeC)<<PosC)
}

// ABx encodes an iABx instruction.
func ABx(op Opcode, a, bx int) Instruction {
	return Instruction(uint32(op)<<PosOp |
		uint32(a)&mask(SizeA)<<PosA |
		uint32(bx)&mask(SizeBx)<<PosBx)
}

// AsBx encodes an iAsBx instruction.
func AsBx(op Opcode, a, sbx int) Instruction {
	return ABx(op, a, sbx+MaxArgSBx)
}

// Ax encodes an iAx instruction.
func Ax(op Opcode, ax int) Instruction {
	return Instruction(uint32(op)<<PosOp | uint32(ax)&mask(SizeAx)<<PosAx)
}

// IsK reports whether an RK operand refers to the constant pool.
func IsK(x int) bool { return x&BitRK != 0 }

// IndexK returns the constant index of an RK operand.
func IndexK(x int) int { return x &^ BitRK }

// RKAsK encodes constant index k as an RK operand.
func RKAsK(k int) int { return k | BitRK }
