// Package vm implements the cloak register virtual machine.
//
// The machine executes prototypes encoded with the isa package. A prototype
// may be plain or rewritten by the protect package; every fetch runs the
// prototype's decode pipeline (decrypt, opcode un-permutation and, for
// hidden-pool words, layout un-scrambling) before dispatch, so both forms
// behave identically.
//
// Values are represented as:
//
//	nil          nil
//	boolean      bool
//	integer      int64
//	float        float64
//	string       string
//	table        *Table
//	function     *Closure or *GoFunction
//	thread       *Thread
package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is any value a script can hold.
type Value any

// Type names as reported by type().
const (
	TypeNil      = "nil"
	TypeBoolean  = "boolean"
	TypeNumber   = "number"
	TypeString   = "string"
	TypeTable    = "table"
	TypeFunction = "function"
	TypeThread   = "thread"
)

// TypeName returns the script-visible type of v.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return TypeNil
	case bool:
		return TypeBoolean
	case int64, float64:
		return TypeNumber
	case string:
		return TypeString
	case *Table:
		return TypeTable
	case *Closure, *GoFunction:
		return TypeFunction
	case *Thread:
		return TypeThread
	}
	return "userdata"
}

// Truthy reports whether v counts as true in a condition.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	}
	return true
}

// ToNumber converts v to a float, coercing numeric strings.
func ToNumber(v Value) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case string:
		n, ok := StringToNumber(x)
		if !ok {
			return 0, false
		}
		return ToNumber(n)
	}
	return 0, false
}

// ToInteger converts v to an integer without loss, coercing numeric strings.
func ToInteger(v Value) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return floatToInteger(x)
	case string:
		n, ok := StringToNumber(x)
		if !ok {
			return 0, false
		}
		return ToInteger(n)
	}
	return 0, false
}

func floatToInteger(f float64) (int64, bool) {
	if math.Floor(f) != f || f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}

// StringToNumber parses s with the lexer's numeral rules: decimal or
// hexadecimal integers, decimal or hexadecimal floats, surrounding spaces
// allowed. Integer numerals that overflow become floats; hexadecimal
// integers wrap around.
func StringToNumber(s string) (Value, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	body, neg := s, false
	if body[0] == '-' || body[0] == '+' {
		neg = body[0] == '-'
		body = body[1:]
	}
	if len(body) > 1 && body[0] == '0' && (body[1] == 'x' || body[1] == 'X') {
		hex := body[2:]
		if hex == "" {
			return nil, false
		}
		if !strings.ContainsAny(hex, ".pP") {
			var u uint64
			for _, c := range hex {
				d, ok := hexDigit(c)
				if !ok {
					return nil, false
				}
				u = u<<4 | uint64(d)
			}
			if neg {
				u = -u
			}
			return int64(u), true
		}
		if !strings.ContainsAny(hex, "pP") {
			hex += "p0"
		}
		f, err := strconv.ParseFloat("0x"+hex, 64)
		if err != nil {
			return nil, false
		}
		if neg {
			f = -f
		}
		return f, true
	}
	for _, c := range body {
		if !(c >= '0' && c <= '9' || c == '.' || c == 'e' || c == 'E' || c == '-' || c == '+') {
			return nil, false
		}
	}
	if !strings.ContainsAny(body, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil && !isRangeErr(err) {
		return nil, false
	}
	return f, true
}

func isRangeErr(err error) bool {
	ne, ok := err.(*strconv.NumError)
	return ok && ne.Err == strconv.ErrRange
}

func hexDigit(c rune) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

// FormatFloat renders f the way tostring does: %.14g, with ".0" appended
// when the result would read as an integer.
func FormatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', 14, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// ToStringRaw converts numbers and strings to a string without metamethods.
func ToStringRaw(v Value) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return FormatFloat(x), true
	}
	return "", false
}

// String renders any value for display, without metamethods.
func String(v Value) string {
	if s, ok := ToStringRaw(v); ok {
		return s
	}
	switch x := v.(type) {
	case nil:
		return "nil"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case *Table:
		return fmt.Sprintf("table: %p", x)
	case *Closure:
		return fmt.Sprintf("function: %p", x)
	case *GoFunction:
		return fmt.Sprintf("function: builtin: %s", x.Name)
	case *Thread:
		return fmt.Sprintf("thread: %p", x)
	}
	return fmt.Sprintf("userdata: %v", v)
}

// RawEqual compares two values without metamethods. Integers and floats
// compare by mathematical value.
func RawEqual(a, b Value) bool {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y && floatEqualsInt(y, x)
		}
		return false
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y
		case int64:
			return float64(y) == x && floatEqualsInt(x, y)
		}
		return false
	}
	return a == b
}

func floatEqualsInt(f float64, i int64) bool {
	n, ok := floatToInteger(f)
	return ok && n == i
}

// normKey converts float keys with an integral value to integers so 1 and
// 1.0 address the same slot.
func normKey(k Value) Value {
	if f, ok := k.(float64); ok {
		if i, ok := floatToInteger(f); ok {
			return i
		}
	}
	return k
}
