package isa

// Format is the operand layout of an instruction.
type Format uint8

// Instruction formats.
const (
	FormatABC Format = iota
	FormatABx
	FormatAsBx
	FormatAx
)

// ArgMode describes how a B or C operand is interpreted.
type ArgMode uint8

// Operand modes.
const (
	ArgN ArgMode = iota // unused
	ArgU                // used as a plain number
	ArgR                // register or jump offset
	ArgK                // constant or register/constant (RK)
)

// Mode describes the static properties of an opcode.
type Mode struct {
	Name   string
	Test   bool // next instruction is a jump
	SetsA  bool
	B, C   ArgMode
	Format Format
	Extra  int // carrier slots consumed after the instruction itself
}

var modes = [NumOpcodes]Mode{
	OpMove:     {"MOVE", false, true, ArgR, ArgN, FormatABC, 0},
	OpLoadK:    {"LOADK", false, true, ArgK, ArgN, FormatABx, 0},
	OpLoadKX:   {"LOADKX", false, true, ArgN, ArgN, FormatABx, 1},
	OpLoadBool: {"LOADBOOL", false, true, ArgU, ArgU, FormatABC, 0},
	OpLoadNil:  {"LOADNIL", false, true, ArgU, ArgN, FormatABC, 0},
	OpGetUpval: {"GETUPVAL", false, true, ArgU, ArgN, FormatABC, 0},
	OpGetTabUp: {"GETTABUP", false, true, ArgU, ArgK, FormatABC, 0},
	OpGetTable: {"GETTABLE", false, true, ArgR, ArgK, FormatABC, 0},
	OpSetTabUp: {"SETTABUP", false, false, ArgK, ArgK, FormatABC, 0},
	OpSetUpval: {"SETUPVAL", false, false, ArgU, ArgN, FormatABC, 0},
	OpSetTable: {"SETTABLE", false, false, ArgK, ArgK, FormatABC, 0},
	OpNewTable: {"NEWTABLE", false, true, ArgU, ArgU, FormatABC, 0},
	OpSelf:     {"SELF", false, true, ArgR, ArgK, FormatABC, 0},
	OpAdd:      {"ADD", false, true, ArgK, ArgK, FormatABC, 0},
	OpSub:      {"SUB", false, true, ArgK, ArgK, FormatABC, 0},
	OpMul:      {"MUL", false, true, ArgK, ArgK, FormatABC, 0},
	OpMod:      {"MOD", false, true, ArgK, ArgK, FormatABC, 0},
	OpPow:      {"POW", false, true, ArgK, ArgK, FormatABC, 0},
	OpDiv:      {"DIV", false, true, ArgK, ArgK, FormatABC, 0},
	OpIDiv:     {"IDIV", false, true, ArgK, ArgK, FormatABC, 0},
	OpBAnd:     {"BAND", false, true, ArgK, ArgK, FormatABC, 0},
	OpBOr:      {"BOR", false, true, ArgK, ArgK, FormatABC, 0},
	OpBXor:     {"BXOR", false, true, ArgK, ArgK, FormatABC, 0},
	OpShl:      {"SHL", false, true, ArgK, ArgK, FormatABC, 0},
	OpShr:      {"SHR", false, true, ArgK, ArgK, FormatABC, 0},
	OpUnm:      {"UNM", false, true, ArgR, ArgN, FormatABC, 0},
	OpBNot:     {"BNOT", false, true, ArgR, ArgN, FormatABC, 0},
	OpNot:      {"NOT", false, true, ArgR, ArgN, FormatABC, 0},
	OpLen:      {"LEN", false, true, ArgR, ArgN, FormatABC, 0},
	OpConcat:   {"CONCAT", false, true, ArgR, ArgR, FormatABC, 0},
	OpJmp:      {"JMP", false, false, ArgR, ArgN, FormatAsBx, 0},
	OpEq:       {"EQ", true, false, ArgK, ArgK, FormatABC, 0},
	OpLt:       {"LT", true, false, ArgK, ArgK, FormatABC, 0},
	OpLe:       {"LE", true, false, ArgK, ArgK, FormatABC, 0},
	OpTest:     {"TEST", true, false, ArgN, ArgU, FormatABC, 0},
	OpTestSet:  {"TESTSET", true, true, ArgR, ArgU, FormatABC, 0},
	OpCall:     {"CALL", false, true, ArgU, ArgU, FormatABC, 0},
	OpTailCall: {"TAILCALL", false, true, ArgU, ArgU, FormatABC, 0},
	OpReturn:   {"RETURN", false, false, ArgU, ArgN, FormatABC, 0},
	OpForLoop:  {"FORLOOP", false, true, ArgR, ArgN, FormatAsBx, 0},
	OpForPrep:  {"FORPREP", false, true, ArgR, ArgN, FormatAsBx, 0},
	OpTForCall: {"TFORCALL", false, false, ArgN, ArgU, FormatABC, 0},
	OpTForLoop: {"TFORLOOP", false, true, ArgR, ArgN, FormatAsBx, 0},
	OpSetList:  {"SETLIST", false, false, ArgU, ArgU, FormatABC, 0},
	OpClosure:  {"CLOSURE", false, true, ArgU, ArgN, FormatABx, 0},
	OpVararg:   {"VARARG", false, true, ArgU, ArgN, FormatABC, 0},
	OpExtraArg: {"EXTRAARG", false, false, ArgU, ArgU, FormatAx, 0},

	OpVirtual:      {"VIRTUAL", false, false, ArgU, ArgU, FormatAx, 0},
	OpNop:          {"NOP", false, false, ArgN, ArgN, FormatABC, 0},
	OpGetAdd:       {"GETADD", false, true, ArgR, ArgK, FormatABC, 1},
	OpGetSub:       {"GETSUB", false, true, ArgR, ArgK, FormatABC, 1},
	OpGetGetSub:    {"GETGETSUB", false, true, ArgR, ArgK, FormatABC, 1},
	OpAddToField:   {"ADDTOFIELD", false, true, ArgR, ArgK, FormatABC, 1},
	OpFastDist:     {"FASTDIST", false, true, ArgR, ArgR, FormatABC, 1},
	OpMoveLoadK:    {"MOVELOADK", false, true, ArgR, ArgN, FormatABC, 1},
	OpMoveMove:     {"MOVEMOVE", false, true, ArgR, ArgN, FormatABC, 1},
	OpGetTableCall: {"GETTABLECALL", false, true, ArgR, ArgK, FormatABC, 1},
}

// ModeOf returns the static description of op. Unknown opcodes get a
// zero Mode with an empty name.
func ModeOf(op Opcode) Mode {
	if int(op) >= NumOpcodes {
		return Mode{}
	}
	return modes[op]
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool { return int(op) < NumOpcodes }

// String returns the mnemonic of op.
func (op Opcode) String() string {
	if !op.Valid() {
		return "OP?"
	}
	return modes[op].Name
}

// IsTest reports whether op is always followed by a dependent jump.
func (op Opcode) IsTest() bool { return op.Valid() && modes[op].Test }

// IsFused reports whether op is a super-instruction.
func (op Opcode) IsFused() bool { return op >= OpGetAdd && op <= OpGetTableCall }

// Extra returns the number of carrier slots consumed by op.
func (op Opcode) Extra() int {
	if !op.Valid() {
		return 0
	}
	return modes[op].Extra
}

// Span returns the number of main-stream slots op occupies: its own word,
// its carriers and, for super-instructions, the filler slots left where
// the rest of the idiom used to be.
func (op Opcode) Span() int {
	switch op {
	case OpGetGetSub, OpAddToField:
		return 3
	case OpFastDist:
		return 5
	}
	return 1 + op.Extra()
}

// Lookup returns the opcode named by a mnemonic.
func Lookup(name string) (Opcode, bool) {
	op, ok := byName[name]
	return op, ok
}

var byName = func() map[string]Opcode {
	m := make(map[string]Opcode, NumOpcodes)
	for i := 0; i < NumOpcodes; i++ {
		m[modes[i].Name] = Opcode(i)
	}
	return m
}()
