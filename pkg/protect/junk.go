package protect

import (
	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/keys"
	"github.com/fortiblox/cloak/pkg/vm"
)

// junkGen produces instruction sequences with no observable effect.
type junkGen struct {
	p       *vm.Prototype
	src     keys.Source
	regs    int // registers the program itself uses
	scratch int
	zero    int // constant index of integer 0; -1 not yet looked up, -2 unavailable
	count   int
}

func newJunkGen(p *vm.Prototype, src keys.Source, regs int) *junkGen {
	return &junkGen{p: p, src: src, regs: regs, scratch: p.ScratchBase, zero: -1}
}

// zeroConst returns an RK-addressable constant holding integer 0, adding
// one when the table has room.
func (g *junkGen) zeroConst() (int, bool) {
	if g.zero == -1 {
		g.zero = -2
		for i, v := range g.p.Constants {
			if i > isa.MaxIndexRK {
				break
			}
			if n, ok := v.(int64); ok && n == 0 {
				g.zero = i
				break
			}
		}
		if g.zero == -2 && len(g.p.Constants) <= isa.MaxIndexRK {
			g.zero = len(g.p.Constants)
			g.p.Constants = append(g.p.Constants, int64(0))
		}
	}
	return g.zero, g.zero >= 0
}

func (g *junkGen) single() isa.Instruction {
	switch g.src.Intn(3) {
	case 0:
		if g.regs > 0 {
			r := g.src.Intn(g.regs)
			return isa.ABC(isa.OpMove, r, r, 0)
		}
	case 1:
		return isa.AsBx(isa.OpJmp, 0, 0)
	}
	return nop
}

// pair returns a two-slot no-op, if one can be built.
func (g *junkGen) pair() ([]isa.Instruction, bool) {
	if g.src.Intn(2) == 0 && g.regs > 0 {
		r := g.src.Intn(g.regs)
		return []isa.Instruction{
			isa.ABC(isa.OpTest, r, 0, g.src.Intn(2)),
			isa.AsBx(isa.OpJmp, 0, 0),
		}, true
	}
	if g.scratch < 0 {
		return nil, false
	}
	k, ok := g.zeroConst()
	if !ok {
		return nil, false
	}
	return []isa.Instruction{
		isa.ABx(isa.OpLoadK, g.scratch, k),
		isa.ABC(isa.OpAdd, g.scratch, g.scratch, isa.RKAsK(k)),
	}, true
}

// next returns a junk sequence of at most room slots.
func (g *junkGen) next(room int) []isa.Instruction {
	if room >= 2 && g.src.Intn(3) == 0 {
		if seq, ok := g.pair(); ok {
			return seq
		}
	}
	return []isa.Instruction{g.single()}
}

// fill overwrites the filler slots fusion left behind. Some are left as
// plain NOPs.
func (g *junkGen) fill(code []isa.Instruction, fillers []int) {
	for i := 0; i < len(fillers); {
		j := i + 1
		for j < len(fillers) && fillers[j] == fillers[j-1]+1 {
			j++
		}
		pc, end := fillers[i], fillers[j-1]+1
		for pc < end {
			if g.src.Intn(4) == 0 {
				pc++
				continue
			}
			seq := g.next(end - pc)
			copy(code[pc:], seq)
			pc += len(seq)
			g.count += len(seq)
		}
		i = j
	}
}

// insert places junk sequences at free points with the given percent
// probability per slot, then rebases every jump displacement, line record
// and local-variable range onto the grown stream.
func (g *junkGen) insert(fi flowInfo, rate int) {
	p := g.p
	code := p.Code
	n := len(code)
	remap := make([]int, n+1)
	out := make([]isa.Instruction, 0, n+n*rate/50+1)
	var lines []int32
	if p.LineInfo != nil {
		lines = make([]int32, 0, cap(out))
	}
	for pc := 0; pc < n; pc++ {
		if pc > 0 && !fi.glued[pc] && g.src.Intn(100) < rate {
			for _, w := range g.next(2) {
				out = append(out, w)
				if lines != nil {
					lines = append(lines, int32(p.Line(pc)))
				}
				g.count++
			}
		}
		remap[pc] = len(out)
		out = append(out, code[pc])
		if lines != nil {
			lines = append(lines, int32(p.Line(pc)))
		}
	}
	remap[n] = len(out)

	for pc := 0; pc < n; pc++ {
		i := code[pc]
		if isa.ModeOf(i.Op()).Format != isa.FormatAsBx {
			continue
		}
		at := remap[pc]
		dest := pc + 1 + i.SBx()
		if dest < 0 || dest > n {
			continue
		}
		out[at] = i.WithSBx(remap[dest] - at - 1)
	}
	for k := range p.LocVars {
		lv := &p.LocVars[k]
		lv.StartPC = remap[min(max(lv.StartPC, 0), n)]
		lv.EndPC = remap[min(max(lv.EndPC, 0), n)]
	}
	p.Code = out
	p.LineInfo = lines
}
