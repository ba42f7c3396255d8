package chunk

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/vm"
)

// maxDepth bounds function nesting in a decoded chunk.
const maxDepth = 200

type decoder struct {
	buf   []byte
	off   int
	err   error
	depth int
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.fail(fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, d.off))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) byte() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) int() int { return int(int32(d.u32())) }

// count reads a non-negative element count bounded by the bytes left,
// given that each element takes at least size bytes.
func (d *decoder) count(size int) int {
	n := d.int()
	if d.err == nil && (n < 0 || n*size > len(d.buf)-d.off) {
		d.fail(fmt.Errorf("%w: count %d at offset %d", ErrMalformed, n, d.off-4))
		return 0
	}
	return n
}

func (d *decoder) str() string {
	n := d.u64()
	if n == 0 {
		return ""
	}
	if n-1 > uint64(len(d.buf)-d.off) {
		d.fail(fmt.Errorf("%w: string of %d bytes at offset %d", ErrTruncated, n-1, d.off))
		return ""
	}
	return string(d.take(int(n - 1)))
}

func (d *decoder) function(parent string) *vm.Prototype {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		d.fail(fmt.Errorf("%w: functions nested too deep", ErrMalformed))
		return nil
	}
	p := vm.NewPrototype()
	p.Source = d.str()
	if p.Source == "" {
		p.Source = parent
	}
	p.LineDefined = d.int()
	p.LastLineDefined = d.int()
	p.NumParams = int(d.byte())
	p.IsVararg = d.byte() != 0
	p.MaxStack = int(d.byte())

	n := d.count(4)
	p.Code = make([]isa.Instruction, n)
	for i := range p.Code {
		p.Code[i] = isa.Instruction(d.u32())
	}
	d.constants(p)

	n = d.count(2)
	p.Upvalues = make([]vm.UpvalDesc, n)
	for i := range p.Upvalues {
		p.Upvalues[i].InStack = d.byte() != 0
		p.Upvalues[i].Index = int(d.byte())
	}

	n = d.count(1)
	p.Protos = make([]*vm.Prototype, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		p.Protos = append(p.Protos, d.function(p.Source))
	}

	d.debug(p)
	d.protection(p)
	return p
}

func (d *decoder) constants(p *vm.Prototype) {
	n := d.count(1)
	p.Constants = make([]vm.Value, n)
	for i := range p.Constants {
		switch tag := d.byte(); tag {
		case tagNil:
		case tagBool:
			p.Constants[i] = d.byte() != 0
		case tagFloat:
			p.Constants[i] = math.Float64frombits(d.u64())
		case tagInt:
			p.Constants[i] = int64(d.u64())
		case tagShortStr, tagLongStr:
			n := d.u64()
			if n == 0 || n-1 > uint64(len(d.buf)-d.off) {
				d.fail(fmt.Errorf("%w: bad string constant at offset %d", ErrMalformed, d.off))
				return
			}
			p.Constants[i] = string(d.take(int(n - 1)))
		default:
			d.fail(fmt.Errorf("%w: constant tag %#x", ErrMalformed, tag))
			return
		}
	}
}

func (d *decoder) debug(p *vm.Prototype) {
	if n := d.count(4); n > 0 {
		p.LineInfo = make([]int32, n)
		for i := range p.LineInfo {
			p.LineInfo[i] = int32(d.u32())
		}
	}
	if n := d.count(16); n > 0 {
		p.LocVars = make([]vm.LocVar, n)
		for i := range p.LocVars {
			p.LocVars[i] = vm.LocVar{Name: d.str(), StartPC: d.int(), EndPC: d.int()}
		}
	}
	n := d.count(8)
	if d.err == nil && n > len(p.Upvalues) {
		d.fail(fmt.Errorf("%w: %d upvalue names for %d upvalues", ErrMalformed, n, len(p.Upvalues)))
		return
	}
	for i := 0; i < n; i++ {
		p.Upvalues[i].Name = d.str()
	}
}

func (d *decoder) protection(p *vm.Prototype) {
	f := d.byte()
	p.Obfuscated = f&protObfuscated != 0
	p.Encrypted = f&protEncrypted != 0
	p.Seed = d.u32()
	p.Salt = d.u32()
	p.ScratchBase = d.int()
	if n := int(d.byte()); n > 0 {
		if n > 1<<isa.SizeOp {
			d.fail(fmt.Errorf("%w: permutation of %d entries", ErrMalformed, n))
			return
		}
		p.Perm = append([]uint8(nil), d.take(n)...)
	}
	p.Layout = d.byte()
	p.ConstCrypt = vm.ConstPolicy(d.byte())
	if n := d.count(4); n > 0 {
		p.Pool = make([]uint32, n)
		for i := range p.Pool {
			p.Pool[i] = d.u32()
		}
	}
	if d.err == nil && p.ScratchBase >= p.MaxStack {
		d.fail(fmt.Errorf("%w: scratch base %d outside %d registers", ErrMalformed, p.ScratchBase, p.MaxStack))
	}
}
