package stdlib

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/fortiblox/cloak/pkg/vm"
)

// fieldSize returns the width of a fixed-size format code, or 0. Strings
// ('s') are written with a 32-bit length prefix in the current byte order.
func fieldSize(c byte) int {
	switch c {
	case 'b', 'B':
		return 1
	case 'h', 'H':
		return 2
	case 'i', 'I', 'f':
		return 4
	case 'l', 'L', 'd':
		return 8
	}
	return 0
}

func (r *Registry) registerStruct() {
	lib := r.library(LibStruct)
	r.register(lib, "pack", structPack)
	r.register(lib, "unpack", structUnpack)
	r.register(lib, "size", func(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
		format, err := checkString(t, args, 1)
		if err != nil {
			return nil, err
		}
		n := 0
		for k := 0; k < len(format); k++ {
			c := format[k]
			switch {
			case strings.IndexByte("<>=! ", c) >= 0:
			case c == 's':
				return nil, t.ArgError(1, "variable-length format")
			case fieldSize(c) > 0:
				n += fieldSize(c)
			default:
				return nil, t.ArgError(1, "invalid format option '"+string(c)+"'")
			}
		}
		return values(int64(n)), nil
	})
}

func structPack(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	format, err := checkString(t, args, 1)
	if err != nil {
		return nil, err
	}
	var order binary.AppendByteOrder = binary.LittleEndian
	var out []byte
	n := 1
	for k := 0; k < len(format); k++ {
		c := format[k]
		switch c {
		case '<', '=', '!':
			order = binary.LittleEndian
			continue
		case '>':
			order = binary.BigEndian
			continue
		case ' ':
			continue
		}
		n++
		switch c {
		case 'f', 'd':
			f, err := checkNumber(t, args, n)
			if err != nil {
				return nil, err
			}
			if c == 'f' {
				out = order.AppendUint32(out, math.Float32bits(float32(f)))
			} else {
				out = order.AppendUint64(out, math.Float64bits(f))
			}
		case 's':
			s, err := checkString(t, args, n)
			if err != nil {
				return nil, err
			}
			out = order.AppendUint32(out, uint32(len(s)))
			out = append(out, s...)
		default:
			size := fieldSize(c)
			if size == 0 {
				return nil, t.ArgError(1, "invalid format option '"+string(c)+"'")
			}
			v, err := checkInteger(t, args, n)
			if err != nil {
				return nil, err
			}
			switch size {
			case 1:
				out = append(out, byte(v))
			case 2:
				out = order.AppendUint16(out, uint16(v))
			case 4:
				out = order.AppendUint32(out, uint32(v))
			case 8:
				out = order.AppendUint64(out, uint64(v))
			}
		}
	}
	return values(string(out)), nil
}

func structUnpack(t *vm.Thread, args []vm.Value) ([]vm.Value, error) {
	format, err := checkString(t, args, 1)
	if err != nil {
		return nil, err
	}
	data, err := checkString(t, args, 2)
	if err != nil {
		return nil, err
	}
	var order binary.ByteOrder = binary.LittleEndian
	var out []vm.Value
	pos := 0
	take := func(n int) ([]byte, error) {
		if n < 0 || pos+n > len(data) {
			return nil, t.ArgError(2, "data string too short")
		}
		b := []byte(data[pos : pos+n])
		pos += n
		return b, nil
	}
	for k := 0; k < len(format); k++ {
		c := format[k]
		switch c {
		case '<', '=', '!':
			order = binary.LittleEndian
			continue
		case '>':
			order = binary.BigEndian
			continue
		case ' ':
			continue
		case 's':
			b, err := take(4)
			if err != nil {
				return nil, err
			}
			s, err := take(int(order.Uint32(b)))
			if err != nil {
				return nil, err
			}
			out = append(out, string(s))
			continue
		}
		size := fieldSize(c)
		if size == 0 {
			return nil, t.ArgError(1, "invalid format option '"+string(c)+"'")
		}
		b, err := take(size)
		if err != nil {
			return nil, err
		}
		var v vm.Value
		switch c {
		case 'b':
			v = int64(int8(b[0]))
		case 'B':
			v = int64(b[0])
		case 'h':
			v = int64(int16(order.Uint16(b)))
		case 'H':
			v = int64(order.Uint16(b))
		case 'i':
			v = int64(int32(order.Uint32(b)))
		case 'I':
			v = int64(order.Uint32(b))
		case 'l', 'L':
			v = int64(order.Uint64(b))
		case 'f':
			v = float64(math.Float32frombits(order.Uint32(b)))
		case 'd':
			v = math.Float64frombits(order.Uint64(b))
		}
		out = append(out, v)
	}
	return out, nil
}
