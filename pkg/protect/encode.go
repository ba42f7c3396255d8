package protect

import (
	"github.com/fortiblox/cloak/pkg/isa"
	"github.com/fortiblox/cloak/pkg/keys"
	"github.com/fortiblox/cloak/pkg/vm"
)

// permute draws a random bijection over the opcode field and rewrites
// every main-stream and pool instruction through it.
func permute(p *vm.Prototype, src keys.Source) {
	perm := make([]uint8, 1<<isa.SizeOp)
	for i := range perm {
		perm[i] = uint8(i)
	}
	for i := len(perm) - 1; i > 0; i-- {
		j := src.Intn(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	p.Perm = perm
	for pc, i := range p.Code {
		p.Code[pc] = i.WithOp(isa.Opcode(perm[i.Op()]))
	}
	poolWords(p.Pool, func(idx int) {
		i := isa.Instruction(p.Pool[idx])
		p.Pool[idx] = uint32(i.WithOp(isa.Opcode(perm[i.Op()])))
	})
}

// scramble re-packs pool instructions in the function's pool layout and
// complements them. Headers stay plain.
func scramble(p *vm.Prototype) {
	layout := isa.PoolLayouts[int(p.Layout)%isa.NumPoolLayouts]
	poolWords(p.Pool, func(idx int) {
		p.Pool[idx] = ^layout.Pack(isa.Instruction(p.Pool[idx]).Split())
	})
}

// encrypt applies the per-instruction cipher to both streams. The key must
// already be derived from the final stream sizes.
func encrypt(p *vm.Prototype) {
	key := p.Key()
	for pc, i := range p.Code {
		p.Code[pc] = isa.Instruction(keys.EncryptWord(uint32(i), pc, key))
	}
	for idx, w := range p.Pool {
		p.Pool[idx] = keys.EncryptWord(w, idx, key^keys.PoolTweak)
	}
	p.Encrypted = true
}

// encryptConstants stores the constant kinds selected by policy in
// encrypted form.
func encryptConstants(p *vm.Prototype, policy vm.ConstPolicy) {
	wide := p.ConstKey()
	for i, v := range p.Constants {
		switch x := v.(type) {
		case int64:
			if policy&vm.ConstInts != 0 {
				p.Constants[i] = keys.EncryptInt(x, wide)
			}
		case float64:
			if policy&vm.ConstFloats != 0 {
				p.Constants[i] = keys.CryptFloat(x, wide)
			}
		case string:
			if policy&vm.ConstStrings != 0 {
				p.Constants[i] = keys.CryptString(x, wide, i)
			}
		}
	}
	p.ConstCrypt = policy
}

// strip drops debug metadata.
func strip(p *vm.Prototype) {
	p.Source = ""
	p.LineInfo = nil
	p.LocVars = nil
	for i := range p.Upvalues {
		p.Upvalues[i].Name = ""
	}
}
