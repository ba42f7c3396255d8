// Package protect rewrites compiled prototypes into their protected form.
//
// The pipeline runs once per prototype, children included:
//
//  1. jump-target and carrier analysis
//  2. super-instruction fusion
//  3. junk injection
//  4. relocation of safe runs into the hidden pool
//  5. opcode permutation
//  6. pool layout scramble and complement
//  7. per-instruction encryption
//  8. optional constant encryption
//  9. debug metadata stripping
//
// A transformed prototype is marked obfuscated and is never transformed
// again.
package protect

import (
	"github.com/tliron/commonlog"

	"github.com/fortiblox/cloak/pkg/keys"
	"github.com/fortiblox/cloak/pkg/vm"
)

var log = commonlog.GetLogger("cloak.protect")

// scratchWidth is the number of scratch registers reserved above the
// program's own registers.
const scratchWidth = 2

// maxScratchBase is the largest register count that still leaves room for
// the scratch window below the register limit.
const maxScratchBase = 255 - scratchWidth

// Options selects pipeline stages.
type Options struct {
	Fuse     bool
	Junk     bool
	JunkRate int // percent chance of inserting junk before each free slot
	Relocate bool
	Permute  bool
	Encrypt  bool

	EncryptConsts bool
	ConstPolicy   vm.ConstPolicy

	Strip bool

	// Source supplies seeds and random choices. Nil means keys.Default().
	Source keys.Source
}

// DefaultOptions returns the full pipeline without constant encryption.
func DefaultOptions() Options {
	return Options{
		Fuse:        true,
		Junk:        true,
		JunkRate:    0,
		Relocate:    true,
		Permute:     true,
		Encrypt:     true,
		ConstPolicy: vm.ConstInts | vm.ConstStrings,
		Strip:       false,
	}
}

// Stats summarises one Apply call.
type Stats struct {
	Functions int
	Fused     int
	Junk      int
	Runs      int
	Relocated int
}

func (s *Stats) add(o Stats) {
	s.Functions += o.Functions
	s.Fused += o.Fused
	s.Junk += o.Junk
	s.Runs += o.Runs
	s.Relocated += o.Relocated
}

// Transform protects p and every nested prototype with the default stages,
// drawing randomness from the process key source.
func Transform(p *vm.Prototype, encryptConsts bool) {
	opts := DefaultOptions()
	opts.EncryptConsts = encryptConsts
	Apply(p, opts)
}

// Apply protects p and every nested prototype with opts. Prototypes that
// are already obfuscated are left alone.
func Apply(p *vm.Prototype, opts Options) Stats {
	if opts.Source == nil {
		opts.Source = keys.Default()
	}
	var total Stats
	apply(p, &opts, &total)
	return total
}

func apply(p *vm.Prototype, opts *Options, total *Stats) {
	if p == nil {
		return
	}
	for _, child := range p.Protos {
		apply(child, opts, total)
	}
	if p.Obfuscated || len(p.Code) == 0 {
		return
	}
	st := protectOne(p, opts)
	total.add(st)
	log.Debugf("protected %s:%d: %d slots, fused=%d junk=%d runs=%d pooled=%d",
		vm.ChunkID(p.Source), p.LineDefined, len(p.Code), st.Fused, st.Junk, st.Runs, st.Relocated)
}

func protectOne(p *vm.Prototype, opts *Options) Stats {
	src := opts.Source
	st := Stats{Functions: 1}

	p.Seed = src.Uint32()
	p.Salt = src.Uint32()
	regs := p.MaxStack
	if regs <= maxScratchBase {
		p.ScratchBase = regs
		p.MaxStack += scratchWidth
	} else {
		p.ScratchBase = -1
	}

	fi := analyze(p.Code)
	var fillers []int
	if opts.Fuse && p.ScratchBase >= 0 {
		st.Fused, fillers = fuse(p.Code, fi, src)
	}
	if opts.Junk {
		g := newJunkGen(p, src, regs)
		g.fill(p.Code, fillers)
		if opts.JunkRate > 0 {
			g.insert(analyze(p.Code), min(opts.JunkRate, 100))
		}
		st.Junk = g.count
	}
	if opts.Relocate {
		var runs []span
		p.Pool, runs = relocate(p.Code, src)
		st.Runs = len(runs)
		for _, r := range runs {
			st.Relocated += r.end - r.start
		}
	}
	if opts.Permute {
		permute(p, src)
	}
	p.Layout = vm.LayoutFor(p.Seed)
	scramble(p)

	// Keys depend on the final code and constant counts.
	p.Prepare()
	if opts.EncryptConsts && opts.ConstPolicy != 0 {
		encryptConstants(p, opts.ConstPolicy)
	}
	if opts.Encrypt {
		encrypt(p)
	}
	if opts.Strip {
		strip(p)
	}
	p.Obfuscated = true
	p.Prepare()
	return st
}
