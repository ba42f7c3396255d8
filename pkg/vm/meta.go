package vm

import (
	"math"
	"strings"

	"github.com/fortiblox/cloak/pkg/isa"
)

var arithEvents = map[isa.Opcode]string{
	isa.OpAdd:  "__add",
	isa.OpSub:  "__sub",
	isa.OpMul:  "__mul",
	isa.OpMod:  "__mod",
	isa.OpPow:  "__pow",
	isa.OpDiv:  "__div",
	isa.OpIDiv: "__idiv",
	isa.OpBAnd: "__band",
	isa.OpBOr:  "__bor",
	isa.OpBXor: "__bxor",
	isa.OpShl:  "__shl",
	isa.OpShr:  "__shr",
	isa.OpUnm:  "__unm",
	isa.OpBNot: "__bnot",
}

func isBitwise(op isa.Opcode) bool {
	switch op {
	case isa.OpBAnd, isa.OpBOr, isa.OpBXor, isa.OpShl, isa.OpShr, isa.OpBNot:
		return true
	}
	return false
}

// callTM calls metamethod tm with two arguments on top of the stack. When
// it returns, the single result sits at the old top and is popped; a
// suspended call leaves it there for finishOp.
func (t *Thread) callTM(tm, a, b Value, hasResult bool) (Value, error) {
	if err := t.checkStack(3); err != nil {
		return nil, err
	}
	fn := t.top
	t.stack[fn] = tm
	t.stack[fn+1] = a
	t.stack[fn+2] = b
	t.top = fn + 3
	n := 0
	if hasResult {
		n = 1
	}
	if err := t.call(fn, n); err != nil {
		return nil, err
	}
	if !hasResult {
		return nil, nil
	}
	t.top--
	v := t.stack[t.top]
	t.stack[t.top] = nil
	return v, nil
}

// binTM looks up the event for a binary operation on either operand.
func (t *Thread) binTM(a, b Value, event string) Value {
	if tm := t.state.metafield(a, event); tm != nil {
		return tm
	}
	return t.state.metafield(b, event)
}

// Arith performs an arithmetic or bitwise operation with metamethods.
func (t *Thread) Arith(op isa.Opcode, a, b Value) (Value, error) {
	v, ok, msg := rawArith(op, a, b)
	if msg != "" {
		return nil, t.runtimeError("%s", msg)
	}
	if ok {
		return v, nil
	}
	if tm := t.binTM(a, b, arithEvents[op]); tm != nil {
		return t.callTM(tm, a, b, true)
	}
	if isBitwise(op) {
		_, na := ToNumber(a)
		_, nb := ToNumber(b)
		if na && nb {
			return nil, t.runtimeError("number has no integer representation")
		}
		return nil, t.opError(a, b, "perform bitwise operation on")
	}
	return nil, t.opError(a, b, "perform arithmetic on")
}

func (t *Thread) opError(a, b Value, what string) *Error {
	bad := a
	if _, ok := ToNumber(a); ok {
		bad = b
	}
	return t.runtimeError("attempt to %s a %s value", what, TypeName(bad))
}

// rawArith applies op to numbers and numeric strings. ok is false when an
// operand does not convert; msg reports integer division by zero.
func rawArith(op isa.Opcode, a, b Value) (v Value, ok bool, msg string) {
	if isBitwise(op) {
		x, ok1 := ToInteger(a)
		y, ok2 := ToInteger(b)
		if !ok1 || !ok2 {
			return nil, false, ""
		}
		return intArith(op, x, y)
	}
	if x, ok1 := a.(int64); ok1 {
		if y, ok2 := b.(int64); ok2 && op != isa.OpDiv && op != isa.OpPow {
			return intArith(op, x, y)
		}
	}
	x, ok1 := ToNumber(a)
	y, ok2 := ToNumber(b)
	if !ok1 || !ok2 {
		return nil, false, ""
	}
	return floatArith(op, x, y), true, ""
}

// numArith is rawArith restricted to values that already are numbers.
func numArith(op isa.Opcode, a, b Value) (Value, bool) {
	switch a.(type) {
	case int64, float64:
	default:
		return nil, false
	}
	switch b.(type) {
	case int64, float64:
	default:
		return nil, false
	}
	v, ok, msg := rawArith(op, a, b)
	return v, ok && msg == ""
}

func intArith(op isa.Opcode, x, y int64) (Value, bool, string) {
	switch op {
	case isa.OpAdd:
		return x + y, true, ""
	case isa.OpSub:
		return x - y, true, ""
	case isa.OpMul:
		return x * y, true, ""
	case isa.OpIDiv:
		if y == 0 {
			return nil, false, "attempt to perform 'n//0'"
		}
		q := x / y
		if x%y != 0 && (x^y) < 0 {
			q--
		}
		return q, true, ""
	case isa.OpMod:
		if y == 0 {
			return nil, false, "attempt to perform 'n%0'"
		}
		m := x % y
		if m != 0 && (m^y) < 0 {
			m += y
		}
		return m, true, ""
	case isa.OpUnm:
		return -x, true, ""
	case isa.OpBAnd:
		return x & y, true, ""
	case isa.OpBOr:
		return x | y, true, ""
	case isa.OpBXor:
		return x ^ y, true, ""
	case isa.OpShl:
		return shiftLeft(x, y), true, ""
	case isa.OpShr:
		return shiftLeft(x, -y), true, ""
	case isa.OpBNot:
		return ^x, true, ""
	}
	return floatArith(op, float64(x), float64(y)), true, ""
}

func shiftLeft(x, y int64) int64 {
	switch {
	case y <= -64 || y >= 64:
		return 0
	case y < 0:
		return int64(uint64(x) >> uint(-y))
	}
	return int64(uint64(x) << uint(y))
}

func floatArith(op isa.Opcode, x, y float64) float64 {
	switch op {
	case isa.OpAdd:
		return x + y
	case isa.OpSub:
		return x - y
	case isa.OpMul:
		return x * y
	case isa.OpDiv:
		return x / y
	case isa.OpPow:
		return math.Pow(x, y)
	case isa.OpIDiv:
		return math.Floor(x / y)
	case isa.OpMod:
		m := math.Mod(x, y)
		if m > 0 && y < 0 || m < 0 && y > 0 {
			m += y
		}
		return m
	case isa.OpUnm:
		return -x
	}
	return math.NaN()
}

// Index returns obj[key], consulting __index.
func (t *Thread) Index(obj, key Value) (Value, error) {
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if tbl, ok := obj.(*Table); ok {
			if v := tbl.Get(key); v != nil {
				return v, nil
			}
			if tbl.meta == nil {
				return nil, nil
			}
			if tm = tbl.meta.GetString("__index"); tm == nil {
				return nil, nil
			}
		} else if tm = t.state.metafield(obj, "__index"); tm == nil {
			return nil, t.runtimeError("attempt to index a %s value", TypeName(obj))
		}
		if isFunction(tm) {
			return t.callTM(tm, obj, key, true)
		}
		obj = tm
	}
	return nil, t.runtimeError("'__index' chain too long; possible loop")
}

// SetIndex assigns obj[key] = val, consulting __newindex.
func (t *Thread) SetIndex(obj, key, val Value) error {
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if tbl, ok := obj.(*Table); ok {
			if tbl.meta == nil || tbl.Get(key) != nil {
				return t.rawSet(tbl, key, val)
			}
			if tm = tbl.meta.GetString("__newindex"); tm == nil {
				return t.rawSet(tbl, key, val)
			}
		} else if tm = t.state.metafield(obj, "__newindex"); tm == nil {
			return t.runtimeError("attempt to index a %s value", TypeName(obj))
		}
		if isFunction(tm) {
			if err := t.checkStack(4); err != nil {
				return err
			}
			fn := t.top
			t.stack[fn] = tm
			t.stack[fn+1] = obj
			t.stack[fn+2] = key
			t.stack[fn+3] = val
			t.top = fn + 4
			return t.call(fn, 0)
		}
		obj = tm
	}
	return t.runtimeError("'__newindex' chain too long; possible loop")
}

func (t *Thread) rawSet(tbl *Table, key, val Value) error {
	if err := tbl.Set(key, val); err != nil {
		return t.runtimeError("%s", err.Error())
	}
	return nil
}

func isFunction(v Value) bool {
	switch v.(type) {
	case *Closure, *GoFunction:
		return true
	}
	return false
}

// Equal compares with __eq.
func (t *Thread) Equal(a, b Value) (bool, error) {
	if RawEqual(a, b) {
		return true, nil
	}
	ta, ok1 := a.(*Table)
	tb, ok2 := b.(*Table)
	if !ok1 || !ok2 {
		return false, nil
	}
	var tm Value
	if ta.meta != nil {
		tm = ta.meta.GetString("__eq")
	}
	if tm == nil && tb.meta != nil {
		tm = tb.meta.GetString("__eq")
	}
	if tm == nil {
		return false, nil
	}
	v, err := t.callTM(tm, a, b, true)
	return Truthy(v), err
}

// Less compares with __lt.
func (t *Thread) Less(a, b Value) (bool, error) {
	if r, ok := numLess(a, b); ok {
		return r, nil
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return x < y, nil
		}
	}
	if tm := t.binTM(a, b, "__lt"); tm != nil {
		v, err := t.callTM(tm, a, b, true)
		return Truthy(v), err
	}
	return false, t.orderError(a, b)
}

// LessEqual compares with __le, falling back to not __lt(b, a).
func (t *Thread) LessEqual(a, b Value) (bool, error) {
	if r, ok := numLessEqual(a, b); ok {
		return r, nil
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return x <= y, nil
		}
	}
	if tm := t.binTM(a, b, "__le"); tm != nil {
		v, err := t.callTM(tm, a, b, true)
		return Truthy(v), err
	}
	if tm := t.binTM(b, a, "__lt"); tm != nil {
		ci := t.ci
		ci.status |= cistLeq
		v, err := t.callTM(tm, b, a, true)
		if err != nil {
			return false, err
		}
		ci.status &^= cistLeq
		return !Truthy(v), nil
	}
	return false, t.orderError(a, b)
}

func (t *Thread) orderError(a, b Value) *Error {
	t1, t2 := TypeName(a), TypeName(b)
	if t1 == t2 {
		return t.runtimeError("attempt to compare two %s values", t1)
	}
	return t.runtimeError("attempt to compare %s with %s", t1, t2)
}

func numLess(a, b Value) (result, ok bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x < y, true
		case float64:
			return intLessFloat(x, y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return x < y, true
		case int64:
			return floatLessInt(x, y), true
		}
	}
	return false, false
}

func numLessEqual(a, b Value) (result, ok bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x <= y, true
		case float64:
			return intLessEqualFloat(x, y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return x <= y, true
		case int64:
			return floatLessEqualInt(x, y), true
		}
	}
	return false, false
}

const exactFloatInt = 1 << 53

func fitsFloat(i int64) bool { return -exactFloatInt <= i && i <= exactFloatInt }

func intLessFloat(i int64, f float64) bool {
	if fitsFloat(i) {
		return float64(i) < f
	}
	switch {
	case math.IsNaN(f):
		return false
	case f >= 1<<63:
		return true
	case f <= -(1 << 63):
		return false
	}
	return i < int64(math.Ceil(f))
}

func intLessEqualFloat(i int64, f float64) bool {
	if fitsFloat(i) {
		return float64(i) <= f
	}
	switch {
	case math.IsNaN(f):
		return false
	case f >= 1<<63:
		return true
	case f < -(1 << 63):
		return false
	}
	return i <= int64(math.Floor(f))
}

func floatLessInt(f float64, i int64) bool {
	if fitsFloat(i) {
		return f < float64(i)
	}
	switch {
	case math.IsNaN(f):
		return false
	case f >= 1<<63:
		return false
	case f < -(1 << 63):
		return true
	}
	return int64(math.Floor(f)) < i
}

func floatLessEqualInt(f float64, i int64) bool {
	if fitsFloat(i) {
		return f <= float64(i)
	}
	switch {
	case math.IsNaN(f):
		return false
	case f >= 1<<63:
		return false
	case f <= -(1 << 63):
		return true
	}
	return int64(math.Ceil(f)) <= i
}

// Len returns #v, consulting __len.
func (t *Thread) Len(v Value) (Value, error) {
	switch x := v.(type) {
	case string:
		return int64(len(x)), nil
	case *Table:
		if x.meta == nil || x.meta.GetString("__len") == nil {
			return x.Len(), nil
		}
	}
	tm := t.state.metafield(v, "__len")
	if tm == nil {
		return nil, t.runtimeError("attempt to get length of a %s value", TypeName(v))
	}
	return t.callTM(tm, v, v, true)
}

// concat joins the total values below top, leaving the result at the
// first of them. It follows the stack discipline finishOp relies on.
func (t *Thread) concat(total int) error {
	for total > 1 {
		top := t.top
		n := 2
		a, b := t.stack[top-2], t.stack[top-1]
		_, aok := ToStringRaw(a)
		bs, bok := ToStringRaw(b)
		switch {
		case !aok || !bok:
			tm := t.binTM(a, b, "__concat")
			if tm == nil {
				bad := a
				if aok {
					bad = b
				}
				return t.runtimeError("attempt to concatenate a %s value", TypeName(bad))
			}
			v, err := t.callTM(tm, a, b, true)
			if err != nil {
				return err
			}
			t.stack[top-2] = v
		case bs == "":
			s, _ := ToStringRaw(a)
			t.stack[top-2] = s
		default:
			for n = 1; n < total; n++ {
				if _, ok := ToStringRaw(t.stack[top-n-1]); !ok {
					break
				}
			}
			size := 0
			for j := top - n; j < top; j++ {
				s, _ := ToStringRaw(t.stack[j])
				if size += len(s); size > MaxStringLen {
					return t.runtimeError("string length overflow")
				}
			}
			var sb strings.Builder
			sb.Grow(size)
			for j := top - n; j < top; j++ {
				s, _ := ToStringRaw(t.stack[j])
				sb.WriteString(s)
			}
			t.stack[top-n] = sb.String()
		}
		total -= n - 1
		t.top -= n - 1
	}
	return nil
}

// ToString converts v for display, honouring __tostring.
func (t *Thread) ToString(v Value) (string, error) {
	if tm := t.state.metafield(v, "__tostring"); tm != nil {
		rets, err := t.Call(tm, v)
		if err != nil {
			return "", err
		}
		if len(rets) > 0 {
			if s, ok := rets[0].(string); ok {
				return s, nil
			}
		}
		return "", t.Errorf("'__tostring' must return a string")
	}
	if tbl, ok := v.(*Table); ok && tbl.meta != nil {
		if name, ok := tbl.meta.GetString("__name").(string); ok {
			return strings.Replace(String(v), "table", name, 1), nil
		}
	}
	return String(v), nil
}
