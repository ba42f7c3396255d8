package stdlib

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fortiblox/cloak/pkg/vm"
)

// maxRepeat bounds the size of a string.rep result.
const maxRepeat = vm.MaxStringLen

func (r *Registry) registerString() {
	lib := r.library(LibString)
	meta := vm.NewTable(0, 1)
	meta.SetString("__index", lib)
	r.state.SetStringMetatable(meta)

	r.register(lib, "len", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		s, err := checkString(t, args, 1)
		if err != nil {
			return nil, err
		}
		return values(int64(len(s))), nil
	})
	r.register(lib, "sub", strSub)
	r.register(lib, "rep", strRep)
	r.register(lib, "upper", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		s, err := checkString(t, args, 1)
		if err != nil {
			return nil, err
		}
		return values(strings.ToUpper(s)), nil
	})
	r.register(lib, "lower", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		s, err := checkString(t, args, 1)
		if err != nil {
			return nil, err
		}
		return values(strings.ToLower(s)), nil
	})
	r.register(lib, "byte", strByte)
	r.register(lib, "char", strChar)
	r.register(lib, "format", strFormat)
}

// span converts Lua string positions i..j to a byte range of a string of
// length n. Negative positions count from the end.
func span(i, j int64, n int) (int, int) {
	l := int64(n)
	if i < 0 {
		i = max(l+i+1, 1)
	} else if i == 0 {
		i = 1
	}
	if j < 0 {
		j = l + j + 1
	} else if j > l {
		j = l
	}
	if i > j {
		return 0, 0
	}
	return int(i - 1), int(j)
}

func strSub(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	s, err := checkString(t, args, 1)
	if err != nil {
		return nil, err
	}
	i, err := optInteger(t, args, 2, 1)
	if err != nil {
		return nil, err
	}
	j, err := optInteger(t, args, 3, -1)
	if err != nil {
		return nil, err
	}
	from, to := span(i, j, len(s))
	return values(s[from:to]), nil
}

func strRep(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	s, err := checkString(t, args, 1)
	if err != nil {
		return nil, err
	}
	n, err := checkInteger(t, args, 2)
	if err != nil {
		return nil, err
	}
	sep, err := optString(t, args, 3, "")
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return values(""), nil
	}
	if int64(len(s)+len(sep))*n > maxRepeat {
		return nil, t.Errorf("resulting string too large")
	}
	var b strings.Builder
	b.Grow(int(n) * (len(s) + len(sep)))
	for k := int64(0); k < n; k++ {
		if k > 0 {
			b.WriteString(sep)
		}
		b.WriteString(s)
	}
	return values(b.String()), nil
}

func strByte(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	s, err := checkString(t, args, 1)
	if err != nil {
		return nil, err
	}
	i, err := optInteger(t, args, 2, 1)
	if err != nil {
		return nil, err
	}
	j, err := optInteger(t, args, 3, i)
	if err != nil {
		return nil, err
	}
	from, to := span(i, j, len(s))
	out := make([]vm.Value, 0, to-from)
	for k := from; k < to; k++ {
		out = append(out, int64(s[k]))
	}
	return out, nil
}

func strChar(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	b := make([]byte, len(args))
	for k := range args {
		c, err := checkInteger(t, args, k+1)
		if err != nil {
			return nil, err
		}
		if c < 0 || c > 255 {
			return nil, t.ArgError(k+1, "value out of range")
		}
		b[k] = byte(c)
	}
	return values(string(b)), nil
}

func strFormat(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	format, err := checkString(t, args, 1)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	n := 1
	for k := 0; k < len(format); k++ {
		c := format[k]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		k++
		if k < len(format) && format[k] == '%' {
			b.WriteByte('%')
			continue
		}
		start := k
		for k < len(format) && strings.IndexByte("-+ #0123456789.", format[k]) >= 0 {
			k++
		}
		if k >= len(format) {
			return nil, t.Errorf("invalid conversion '%%%s' to 'format'", format[start:])
		}
		if k-start > 5 {
			return nil, t.Errorf("invalid format (repeated flags)")
		}
		spec := "%" + format[start:k]
		n++
		if n > len(args) {
			return nil, t.ArgError(n, "no value")
		}
		switch verb := format[k]; verb {
		case 'd', 'i':
			v, err := checkInteger(t, args, n)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, spec+"d", v)
		case 'x', 'X', 'o':
			v, err := checkInteger(t, args, n)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, spec+string(verb), uint64(v))
		case 'c':
			v, err := checkInteger(t, args, n)
			if err != nil {
				return nil, err
			}
			b.WriteByte(byte(v))
		case 'f', 'F', 'e', 'E', 'g', 'G':
			v, err := checkNumber(t, args, n)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, spec+string(verb), v)
		case 'a', 'A':
			v, err := checkNumber(t, args, n)
			if err != nil {
				return nil, err
			}
			h := strconv.FormatFloat(v, 'x', -1, 64)
			if verb == 'A' {
				h = strings.ToUpper(h)
			}
			b.WriteString(h)
		case 's':
			s, err := t.ToString(args[n-1])
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, spec+"s", s)
		case 'q':
			if err := quote(t, &b, args, n); err != nil {
				return nil, err
			}
		default:
			return nil, t.Errorf("invalid conversion '%s' to 'format'", spec+string(verb))
		}
	}
	return values(b.String()), nil
}

// quote writes a value in a form the reader would read back.
func quote(t *vm.Thread, b *strings.Builder, args []vm.Value, n int) error {
	switch v := args[n-1].(type) {
	case string:
		b.WriteByte('"')
		for k := 0; k < len(v); k++ {
			switch c := v[k]; {
			case c == '"', c == '\\':
				b.WriteByte('\\')
				b.WriteByte(c)
			case c == '\n':
				b.WriteString("\\n")
			case c == '\r':
				b.WriteString("\\r")
			case c == 0:
				if k+1 < len(v) && v[k+1] >= '0' && v[k+1] <= '9' {
					b.WriteString("\\000")
				} else {
					b.WriteString("\\0")
				}
			case c < 0x20 || c == 0x7f:
				fmt.Fprintf(b, "\\%d", c)
			default:
				b.WriteByte(c)
			}
		}
		b.WriteByte('"')
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case float64:
		if i, ok := vm.ToInteger(v); ok {
			fmt.Fprintf(b, "%d.0", i)
		} else {
			b.WriteString(strconv.FormatFloat(v, 'x', -1, 64))
		}
	case nil, bool:
		b.WriteString(vm.String(v))
	default:
		return t.ArgError(n, "value has no literal form")
	}
	return nil
}
