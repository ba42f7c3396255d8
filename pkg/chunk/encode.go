package chunk

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/fortiblox/cloak/pkg/vm"
)

// Constant tags.
const (
	tagNil      = 0x00
	tagBool     = 0x01
	tagFloat    = 0x03
	tagInt      = 0x13
	tagShortStr = 0x04
	tagLongStr  = 0x14

	maxShortLen = 40
)

// Protection block flags.
const (
	protObfuscated = 1 << 0
	protEncrypted  = 1 << 1
)

type encoder struct {
	buf   bytes.Buffer
	strip bool
}

func (e *encoder) byte(b byte) { e.buf.WriteByte(b) }

func (e *encoder) int(v int) {
	e.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(int32(v))))
}

func (e *encoder) u32(v uint32) {
	e.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (e *encoder) u64(v uint64) {
	e.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

// str writes a length-prefixed string; the empty string doubles as "none".
func (e *encoder) str(s string) {
	if s == "" {
		e.u64(0)
		return
	}
	e.u64(uint64(len(s)) + 1)
	e.buf.WriteString(s)
}

func (e *encoder) flag(b bool) {
	if b {
		e.byte(1)
	} else {
		e.byte(0)
	}
}

func (e *encoder) function(p *vm.Prototype, parent string) {
	if e.strip || p.Source == parent {
		e.str("")
	} else {
		e.str(p.Source)
	}
	e.int(p.LineDefined)
	e.int(p.LastLineDefined)
	e.byte(byte(p.NumParams))
	e.flag(p.IsVararg)
	e.byte(byte(p.MaxStack))

	e.int(len(p.Code))
	for _, i := range p.Code {
		e.u32(uint32(i))
	}
	e.constants(p.Constants)

	e.int(len(p.Upvalues))
	for _, u := range p.Upvalues {
		e.flag(u.InStack)
		e.byte(byte(u.Index))
	}

	e.int(len(p.Protos))
	for _, child := range p.Protos {
		e.function(child, p.Source)
	}

	e.debug(p)
	e.protection(p)
}

func (e *encoder) constants(ks []vm.Value) {
	e.int(len(ks))
	for _, k := range ks {
		switch v := k.(type) {
		case nil:
			e.byte(tagNil)
		case bool:
			e.byte(tagBool)
			e.flag(v)
		case float64:
			e.byte(tagFloat)
			e.u64(math.Float64bits(v))
		case int64:
			e.byte(tagInt)
			e.u64(uint64(v))
		case string:
			if len(v) <= maxShortLen {
				e.byte(tagShortStr)
			} else {
				e.byte(tagLongStr)
			}
			// Strings are written with an explicit length so the empty
			// string survives.
			e.u64(uint64(len(v)) + 1)
			e.buf.WriteString(v)
		default:
			// Constants are only ever the kinds above.
			e.byte(tagNil)
		}
	}
}

func (e *encoder) debug(p *vm.Prototype) {
	if e.strip {
		e.int(0)
		e.int(0)
		e.int(0)
		return
	}
	e.int(len(p.LineInfo))
	for _, l := range p.LineInfo {
		e.int(int(l))
	}
	e.int(len(p.LocVars))
	for _, lv := range p.LocVars {
		e.str(lv.Name)
		e.int(lv.StartPC)
		e.int(lv.EndPC)
	}
	e.int(len(p.Upvalues))
	for _, u := range p.Upvalues {
		e.str(u.Name)
	}
}

func (e *encoder) protection(p *vm.Prototype) {
	var f byte
	if p.Obfuscated {
		f |= protObfuscated
	}
	if p.Encrypted {
		f |= protEncrypted
	}
	e.byte(f)
	e.u32(p.Seed)
	e.u32(p.Salt)
	e.int(p.ScratchBase)
	e.byte(byte(len(p.Perm)))
	e.buf.Write(p.Perm)
	e.byte(p.Layout)
	e.byte(byte(p.ConstCrypt))
	e.int(len(p.Pool))
	for _, w := range p.Pool {
		e.u32(w)
	}
}
