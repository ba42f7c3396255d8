package vm

import (
	"fmt"
	"math"

	"github.com/fortiblox/cloak/pkg/isa"
)

// ctxCheckInterval is the number of safe points between context checks.
const ctxCheckInterval = 1024

// safePoint is passed on every call and backward jump.
func (t *Thread) safePoint() error {
	if m := t.state.meter; m != nil {
		if err := m.Consume(1); err != nil {
			return err
		}
	}
	t.ticks++
	if t.ticks%ctxCheckInterval == 0 && t.ctx != nil {
		if err := t.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	return nil
}

func (t *Thread) rk(p *Prototype, base, x int) Value {
	if isa.IsK(x) {
		return p.Constant(isa.IndexK(x))
	}
	return t.stack[base+x]
}

// fb2int decodes a "floating point byte" table size hint.
func fb2int(x int) int {
	if x < 8 {
		return x
	}
	return ((x & 7) + 8) << ((x >> 3) - 1)
}

func corrupt(ci *callInfo, format string, args ...any) error {
	return fmt.Errorf("%w: %s at pc %d", ErrCorruptCode, fmt.Sprintf(format, args...), ci.pc-1)
}

// execute runs script frames starting with the current one until that
// frame returns.
func (t *Thread) execute() error {
	ci := t.ci
	ci.status |= cistFresh
newframe:
	for {
		cl := ci.closure
		p := cl.proto
		base := ci.base
		for {
			i := ci.fetch(p)
			a := i.A()
			ra := base + a
			switch op := i.Op(); op {
			case isa.OpMove:
				t.stack[ra] = t.stack[base+i.B()]
			case isa.OpLoadK:
				t.stack[ra] = p.Constant(i.Bx())
			case isa.OpLoadKX:
				x := ci.carrier(p)
				if x.Op() != isa.OpExtraArg {
					return corrupt(ci, "LOADKX without EXTRAARG")
				}
				t.stack[ra] = p.Constant(x.Ax())
			case isa.OpLoadBool:
				t.stack[ra] = i.B() != 0
				if i.C() != 0 {
					ci.jump(ci.pc + 1)
				}
			case isa.OpLoadNil:
				for j := 0; j <= i.B(); j++ {
					t.stack[ra+j] = nil
				}
			case isa.OpGetUpval:
				t.stack[ra] = cl.upvals[i.B()].Get()
			case isa.OpGetTabUp:
				v, err := t.Index(cl.upvals[i.B()].Get(), t.rk(p, base, i.C()))
				if err != nil {
					return err
				}
				t.stack[ra] = v
			case isa.OpGetTable:
				v, err := t.Index(t.stack[base+i.B()], t.rk(p, base, i.C()))
				if err != nil {
					return err
				}
				t.stack[ra] = v
			case isa.OpSetTabUp:
				if err := t.SetIndex(cl.upvals[a].Get(), t.rk(p, base, i.B()), t.rk(p, base, i.C())); err != nil {
					return err
				}
			case isa.OpSetUpval:
				cl.upvals[i.B()].Set(t.stack[ra])
			case isa.OpSetTable:
				if err := t.SetIndex(t.stack[ra], t.rk(p, base, i.B()), t.rk(p, base, i.C())); err != nil {
					return err
				}
			case isa.OpNewTable:
				t.stack[ra] = NewTable(fb2int(i.B()), fb2int(i.C()))
			case isa.OpSelf:
				obj := t.stack[base+i.B()]
				t.stack[ra+1] = obj
				v, err := t.Index(obj, t.rk(p, base, i.C()))
				if err != nil {
					return err
				}
				t.stack[ra] = v
			case isa.OpAdd, isa.OpSub, isa.OpMul, isa.OpMod, isa.OpPow, isa.OpDiv, isa.OpIDiv,
				isa.OpBAnd, isa.OpBOr, isa.OpBXor, isa.OpShl, isa.OpShr:
				x, y := t.rk(p, base, i.B()), t.rk(p, base, i.C())
				if v, ok := numArith(op, x, y); ok {
					t.stack[ra] = v
					continue
				}
				v, err := t.Arith(op, x, y)
				if err != nil {
					return err
				}
				t.stack[ra] = v
			case isa.OpUnm, isa.OpBNot:
				x := t.stack[base+i.B()]
				v, err := t.Arith(op, x, x)
				if err != nil {
					return err
				}
				t.stack[ra] = v
			case isa.OpNot:
				t.stack[ra] = !Truthy(t.stack[base+i.B()])
			case isa.OpLen:
				v, err := t.Len(t.stack[base+i.B()])
				if err != nil {
					return err
				}
				t.stack[ra] = v
			case isa.OpConcat:
				b, c := i.B(), i.C()
				t.top = base + c + 1
				if err := t.concat(c - b + 1); err != nil {
					return err
				}
				t.stack[ra] = t.stack[base+b]
				t.top = ci.top
			case isa.OpJmp:
				if err := t.doJump(ci, base, i); err != nil {
					return err
				}
			case isa.OpEq, isa.OpLt, isa.OpLe:
				x, y := t.rk(p, base, i.B()), t.rk(p, base, i.C())
				var res bool
				var err error
				switch op {
				case isa.OpEq:
					res, err = t.Equal(x, y)
				case isa.OpLt:
					res, err = t.Less(x, y)
				default:
					res, err = t.LessEqual(x, y)
				}
				if err != nil {
					return err
				}
				if err := t.condJump(ci, p, base, res == (a != 0)); err != nil {
					return err
				}
			case isa.OpTest:
				if err := t.condJump(ci, p, base, Truthy(t.stack[ra]) == (i.C() != 0)); err != nil {
					return err
				}
			case isa.OpTestSet:
				rb := t.stack[base+i.B()]
				if Truthy(rb) == (i.C() != 0) {
					t.stack[ra] = rb
					if err := t.condJump(ci, p, base, true); err != nil {
						return err
					}
				} else {
					ci.jump(ci.pc + 1)
				}
			case isa.OpCall:
				enter, err := t.opCall(ci, i)
				if err != nil {
					return err
				}
				if enter {
					ci = t.ci
					continue newframe
				}
			case isa.OpTailCall:
				if b := i.B(); b != 0 {
					t.top = ra + b
				}
				if err := t.safePoint(); err != nil {
					return err
				}
				switch t.stack[ra].(type) {
				case *Closure, *GoFunction:
				default:
					if err := t.tryCallTM(ra); err != nil {
						return err
					}
				}
				if _, ok := t.stack[ra].(*Closure); !ok {
					// Host callee: its results stay in place for the
					// RETURN that follows.
					if _, err := t.precall(ra, MultRet); err != nil {
						return err
					}
					continue
				}
				if len(p.Protos) > 0 {
					t.closeUpvals(base)
				}
				n := t.top - ra
				fn := ci.fn
				copy(t.stack[fn:fn+n], t.stack[ra:ra+n])
				t.top = fn + n
				keep := ci.status & cistFresh
				nres := ci.nresults
				t.popFrame()
				if _, err := t.precall(fn, nres); err != nil {
					return err
				}
				ci = t.ci
				ci.status |= keep | cistTail
				continue newframe
			case isa.OpReturn:
				if len(p.Protos) > 0 {
					t.closeUpvals(base)
				}
				n := i.B() - 1
				if n < 0 {
					n = t.top - ra
				}
				fresh := ci.status&cistFresh != 0
				wanted := ci.nresults
				t.posCall(ci, ra, n)
				if fresh {
					return nil
				}
				ci = t.ci
				if wanted != MultRet {
					t.top = ci.top
				}
				continue newframe
			case isa.OpForLoop:
				if idx, ok := t.stack[ra].(int64); ok {
					step, limit := t.stack[ra+2].(int64), t.stack[ra+1].(int64)
					idx += step
					if 0 < step && idx <= limit || step <= 0 && limit <= idx {
						if err := t.loopBack(ci, i.SBx()); err != nil {
							return err
						}
						t.stack[ra] = idx
						t.stack[ra+3] = idx
					}
					continue
				}
				step, limit := t.stack[ra+2].(float64), t.stack[ra+1].(float64)
				idx := t.stack[ra].(float64) + step
				if 0 < step && idx <= limit || !(0 < step) && limit <= idx {
					if err := t.loopBack(ci, i.SBx()); err != nil {
						return err
					}
					t.stack[ra] = idx
					t.stack[ra+3] = idx
				}
			case isa.OpForPrep:
				if err := t.forPrep(ra); err != nil {
					return err
				}
				ci.jump(ci.pc + i.SBx())
			case isa.OpTForCall:
				cb := ra + 3
				t.stack[cb+2] = t.stack[ra+2]
				t.stack[cb+1] = t.stack[ra+1]
				t.stack[cb] = t.stack[ra]
				t.top = cb + 3
				if err := t.call(cb, i.C()); err != nil {
					return err
				}
				t.top = ci.top
			case isa.OpTForLoop:
				if v := t.stack[ra+1]; v != nil {
					t.stack[ra] = v
					if err := t.loopBack(ci, i.SBx()); err != nil {
						return err
					}
				}
			case isa.OpSetList:
				n, c := i.B(), i.C()
				if n == 0 {
					n = t.top - ra - 1
				}
				if c == 0 {
					x := ci.carrier(p)
					if x.Op() != isa.OpExtraArg {
						return corrupt(ci, "SETLIST without EXTRAARG")
					}
					c = x.Ax()
				}
				tbl, ok := t.stack[ra].(*Table)
				if !ok {
					return corrupt(ci, "SETLIST on %s", TypeName(t.stack[ra]))
				}
				last := int64((c-1)*isa.FieldsPerFlush + n)
				for ; n > 0; n-- {
					tbl.SetInt(last, t.stack[ra+n])
					last--
				}
				t.top = ci.top
			case isa.OpClosure:
				t.stack[ra] = t.closure(p.Protos[i.Bx()], cl, base)
			case isa.OpVararg:
				b := i.B() - 1
				n := max(base-ci.fn-p.NumParams-1, 0)
				if b < 0 {
					b = n
					if err := t.checkStack(n); err != nil {
						return err
					}
					t.top = ra + n
				}
				j := 0
				for ; j < b && j < n; j++ {
					t.stack[ra+j] = t.stack[base-n+j]
				}
				for ; j < b; j++ {
					t.stack[ra+j] = nil
				}
			case isa.OpVirtual:
				v := i.Ax()
				if v >= len(p.Pool) {
					return fmt.Errorf("%w: offset %d, pool size %d", ErrPoolIndex, v, len(p.Pool))
				}
				n := p.PoolCount(v)
				if n <= 0 || n > len(p.Pool)-v-1 {
					return fmt.Errorf("%w: run of %d at offset %d", ErrPoolIndex, n, v)
				}
				ci.vpc, ci.vcount, ci.vjust = v+1, n, true
			case isa.OpNop:
			case isa.OpGetAdd, isa.OpGetSub:
				at := ci.pc - 1
				if !t.fastGetArith(p, base, i, ci.carrier(p)) {
					ci.replay(at, 0, 2)
				}
			case isa.OpGetGetSub:
				at := ci.pc - 1
				if !t.fastGetGetSub(p, base, i, ci.carrier(p)) {
					ci.replay(at, 0, 3)
				}
			case isa.OpAddToField:
				at := ci.pc - 1
				if !t.fastAddToField(p, base, i, ci.carrier(p)) {
					ci.replay(at, 0, 3)
				}
			case isa.OpFastDist:
				at := ci.pc - 1
				x := ci.carrier(p)
				ok, err := t.fastDist(p, base, i, x)
				if err != nil {
					return err
				}
				if !ok {
					ci.replay(at, 0, 5)
				}
			case isa.OpMoveLoadK:
				x := ci.carrier(p)
				if x.Op() != isa.OpLoadK {
					return corrupt(ci, "MOVELOADK carrier %s", x.Op())
				}
				t.stack[ra] = t.stack[base+i.B()]
				t.stack[base+x.A()] = p.Constant(x.Bx())
			case isa.OpMoveMove:
				x := ci.carrier(p)
				if x.Op() != isa.OpMove {
					return corrupt(ci, "MOVEMOVE carrier %s", x.Op())
				}
				t.stack[ra] = t.stack[base+i.B()]
				t.stack[base+x.A()] = t.stack[base+x.B()]
			case isa.OpGetTableCall:
				at := ci.pc - 1
				x := ci.carrier(p)
				if x.Op() != isa.OpCall {
					return corrupt(ci, "GETTABLECALL carrier %s", x.Op())
				}
				var v Value
				if tbl, ok := t.stack[base+i.B()].(*Table); ok {
					v = tbl.Get(t.rk(p, base, i.C()))
				}
				if v == nil {
					ci.replay(at, 0, 2)
					continue
				}
				t.stack[ra] = v
				enter, err := t.opCall(ci, x)
				if err != nil {
					return err
				}
				if enter {
					ci = t.ci
					continue newframe
				}
			default:
				return corrupt(ci, "invalid opcode %d", op)
			}
		}
	}
}

// opCall performs CALL. enter reports a new script frame to run.
func (t *Thread) opCall(ci *callInfo, i isa.Instruction) (enter bool, err error) {
	ra := ci.base + i.A()
	if b := i.B(); b != 0 {
		t.top = ra + b
	}
	if err := t.safePoint(); err != nil {
		return false, err
	}
	nresults := i.C() - 1
	host, err := t.precall(ra, nresults)
	if err != nil {
		return false, err
	}
	if host {
		if nresults >= 0 {
			t.top = ci.top
		}
		return false, nil
	}
	return true, nil
}

func (t *Thread) doJump(ci *callInfo, base int, j isa.Instruction) error {
	if a := j.A(); a != 0 {
		t.closeUpvals(base + a - 1)
	}
	sbx := j.SBx()
	ci.jump(ci.pc + sbx)
	if sbx < 0 {
		return t.safePoint()
	}
	return nil
}

// condJump takes the jump following a test when take is set and skips
// it otherwise.
func (t *Thread) condJump(ci *callInfo, p *Prototype, base int, take bool) error {
	if !take {
		ci.jump(ci.pc + 1)
		return nil
	}
	return t.doJump(ci, base, ci.carrier(p))
}

func (t *Thread) loopBack(ci *callInfo, sbx int) error {
	ci.jump(ci.pc + sbx)
	return t.safePoint()
}

func (t *Thread) forPrep(ra int) error {
	init, plimit, pstep := t.stack[ra], t.stack[ra+1], t.stack[ra+2]
	if i0, ok := init.(int64); ok {
		if step, ok := pstep.(int64); ok {
			if limit, stop, ok := forLimit(plimit, step); ok {
				if stop {
					i0 = 0
				}
				t.stack[ra+1] = limit
				t.stack[ra] = i0 - step
				return nil
			}
		}
	}
	limit, ok := ToNumber(plimit)
	if !ok {
		return t.runtimeError("'for' limit must be a number")
	}
	step, ok := ToNumber(pstep)
	if !ok {
		return t.runtimeError("'for' step must be a number")
	}
	i0, ok := ToNumber(init)
	if !ok {
		return t.runtimeError("'for' initial value must be a number")
	}
	t.stack[ra+1] = limit
	t.stack[ra+2] = step
	t.stack[ra] = i0 - step
	return nil
}

// forLimit converts a loop limit for an integer loop, clipping floats.
// stop is set when the loop must not run at all.
func forLimit(v Value, step int64) (limit int64, stop, ok bool) {
	if i, ok := v.(int64); ok {
		return i, false, true
	}
	f, ok := ToNumber(v)
	if !ok {
		return 0, false, false
	}
	if step < 0 {
		f = math.Ceil(f)
	} else {
		f = math.Floor(f)
	}
	if i, ok := floatToInteger(f); ok {
		return i, false, true
	}
	if f > 0 {
		return math.MaxInt64, step < 0, true
	}
	return math.MinInt64, step >= 0, true
}

// closure instantiates np inside the running function, reusing the last
// closure built from np when it captured the same upvalues.
func (t *Thread) closure(np *Prototype, encl *Closure, base int) *Closure {
	epoch := t.state.epoch
	if c := np.cached(epoch, func(j int) *Upvalue {
		d := np.Upvalues[j]
		if d.InStack {
			return t.openUpval(base + d.Index)
		}
		return encl.upvals[d.Index]
	}); c != nil {
		return c
	}
	c := &Closure{proto: np, upvals: make([]*Upvalue, len(np.Upvalues))}
	for j, d := range np.Upvalues {
		if d.InStack {
			c.upvals[j] = t.findUpval(base + d.Index)
		} else {
			c.upvals[j] = encl.upvals[d.Index]
		}
	}
	np.remember(c, epoch)
	return c
}

// openUpval returns the open upvalue for stack slot idx without creating one.
func (t *Thread) openUpval(idx int) *Upvalue {
	for n := len(t.openUp); n > 0; n-- {
		u := t.openUp[n-1]
		if u.index == idx {
			return u
		}
		if u.index < idx {
			break
		}
	}
	return nil
}

// Super-instruction fast paths. Each one either completes the operation
// with raw accesses, staging intermediates only in the scratch window, or
// returns false without touching any program register so the expansion
// can be replayed.

func (t *Thread) scratch(p *Prototype, base int) (int, bool) {
	if p.ScratchBase < 0 {
		return 0, false
	}
	return base + p.ScratchBase, true
}

func (t *Thread) fastGetArith(p *Prototype, base int, i, x isa.Instruction) bool {
	s, ok := t.scratch(p, base)
	if !ok {
		return false
	}
	tbl, ok := t.stack[base+i.B()].(*Table)
	if !ok {
		return false
	}
	t.stack[s] = tbl.Get(t.rk(p, base, i.C()))
	op := isa.OpAdd
	if i.Op() == isa.OpGetSub {
		op = isa.OpSub
	}
	v, ok := numArith(op, t.stack[s], t.rk(p, base, x.Ax()))
	if !ok {
		return false
	}
	t.stack[base+i.A()] = v
	return true
}

func (t *Thread) fastGetGetSub(p *Prototype, base int, i, x isa.Instruction) bool {
	s, ok := t.scratch(p, base)
	if !ok {
		return false
	}
	ax := x.Ax()
	tmp, e, f := ax>>17&0xFF, ax>>9&0xFF, ax&0x1FF
	t1, ok1 := t.stack[base+i.B()].(*Table)
	t2, ok2 := t.stack[base+e].(*Table)
	if !ok1 || !ok2 {
		return false
	}
	t.stack[s] = t1.Get(t.rk(p, base, i.C()))
	t.stack[s+1] = t2.Get(t.rk(p, base, f))
	v, ok := numArith(isa.OpSub, t.stack[s], t.stack[s+1])
	if !ok {
		return false
	}
	t.stack[base+i.A()] = v
	t.stack[base+tmp] = t.stack[s+1]
	return true
}

func (t *Thread) fastAddToField(p *Prototype, base int, i, x isa.Instruction) bool {
	s, ok := t.scratch(p, base)
	if !ok {
		return false
	}
	tbl, ok := t.stack[base+i.B()].(*Table)
	if !ok {
		return false
	}
	key := t.rk(p, base, i.C())
	t.stack[s] = tbl.Get(key)
	if t.stack[s] == nil {
		return false
	}
	v, ok := numArith(isa.OpAdd, t.stack[s], t.rk(p, base, x.Ax()))
	if !ok {
		return false
	}
	// The slot exists, so the store never reaches __newindex.
	if tbl.Set(key, v) != nil {
		return false
	}
	t.stack[base+i.A()] = v
	return true
}

func (t *Thread) fastDist(p *Prototype, base int, i, x isa.Instruction) (bool, error) {
	s, ok := t.scratch(p, base)
	if !ok || t.stack[base+x.Ax()] != Sqrt {
		return false, nil
	}
	xx, ok1 := numArith(isa.OpMul, t.stack[base+i.B()], t.stack[base+i.B()])
	yy, ok2 := numArith(isa.OpMul, t.stack[base+i.C()], t.stack[base+i.C()])
	if !ok1 || !ok2 {
		return false, nil
	}
	t.stack[s], t.stack[s+1] = xx, yy
	sum, _ := numArith(isa.OpAdd, xx, yy)
	if err := t.safePoint(); err != nil {
		return false, err
	}
	f, _ := ToNumber(sum)
	ra := base + i.A()
	t.stack[ra] = math.Sqrt(f)
	t.stack[ra+1] = sum
	t.stack[ra+2] = yy
	return true, nil
}
