package vm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/fortiblox/cloak/pkg/isa"
)

// Thread status values as reported by coroutine.status.
const (
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusNormal    = "normal"
	StatusDead      = "dead"
)

type threadStatus uint8

const (
	threadFresh threadStatus = iota
	threadRunning
	threadYielded
	threadNormal
	threadDead
)

type callStatus uint8

const (
	cistLua    callStatus = 1 << iota // frame runs a script function
	cistFresh                         // execute must return when the frame returns
	cistYPcall                        // protected call frame
	cistLeq                           // LE evaluated through not __lt(b, a)
	cistTail                          // frame was reached by a tail call
)

// callInfo is one activation record.
type callInfo struct {
	fn       int // stack index of the called function
	base     int // first register
	top      int // end of the frame's registers
	nresults int
	status   callStatus
	closure  *Closure
	host     *GoFunction

	pc int // next main-stream word

	// hidden pool cursor
	vpc    int
	vcount int
	vjust  bool

	// super-instruction replay
	xat   int
	xstep int
	xlen  int
}

// fetch returns the next plain instruction of the frame. Replayed
// super-instruction steps come first, then the active pool run, then the
// main stream.
func (ci *callInfo) fetch(p *Prototype) isa.Instruction {
	if ci.xlen > 0 {
		if ci.xstep < ci.xlen {
			seq, _ := p.Expansion(ci.xat)
			i := seq[ci.xstep]
			ci.xstep++
			return i
		}
		ci.xlen = 0
	}
	if ci.vcount > 0 {
		// The main pc advances over the run's placeholder slots; the first
		// slot was already passed when VIRTUAL itself was fetched.
		if ci.vjust {
			ci.vjust = false
		} else {
			ci.pc++
		}
		idx := ci.vpc
		ci.vpc++
		ci.vcount--
		return p.PoolInstruction(idx)
	}
	i := p.Instruction(ci.pc)
	ci.pc++
	return i
}

// carrier fetches the main-stream word following a multi-slot instruction.
func (ci *callInfo) carrier(p *Prototype) isa.Instruction {
	i := p.Instruction(ci.pc)
	ci.pc++
	return i
}

// jump moves the main pc and leaves any pool run.
func (ci *callInfo) jump(pc int) {
	ci.pc = pc
	ci.vcount = 0
	ci.vjust = false
	ci.xlen = 0
}

// replay schedules the expansion of the super-instruction at pc.
func (ci *callInfo) replay(pc, from, n int) {
	ci.xat, ci.xstep, ci.xlen = pc, from, n
}

// interrupted re-derives the instruction that was executing when the
// frame was suspended.
func (ci *callInfo) interrupted(p *Prototype) isa.Instruction {
	if ci.xlen > 0 && ci.xstep > 0 {
		seq, _ := p.Expansion(ci.xat)
		return seq[ci.xstep-1]
	}
	return p.Instruction(ci.pc - 1)
}

// position returns the main-stream slot of the instruction being
// executed. A replayed step reports the slot its source instruction held
// before fusion.
func (ci *callInfo) position(p *Prototype) int {
	if ci.xlen > 0 && ci.xstep > 0 {
		return min(ci.xat+ci.xstep-1, len(p.Code)-1)
	}
	return ci.pc - 1
}

func (ci *callInfo) isLua() bool { return ci.status&cistLua != 0 }

// Thread is an execution stack: the main thread of a State or a coroutine.
type Thread struct {
	state  *State
	stack  []Value
	top    int
	frames []*callInfo
	depth  int
	ci     *callInfo
	openUp []*Upvalue // sorted by stack index

	status   threadStatus
	nny      int // active non-yieldable calls
	nCalls   int // host-level call depth
	ctx      context.Context
	ticks    uint32
	transfer []Value
}

func newThread(s *State) *Thread {
	t := &Thread{
		state:  s,
		stack:  make([]Value, 2*minStack),
		frames: []*callInfo{{}},
		depth:  1,
	}
	t.ci = t.frames[0]
	t.ci.base = 1
	t.ci.top = 1 + minStack
	t.top = 1
	return t
}

// State returns the machine the thread belongs to.
func (t *Thread) State() *State { return t.state }

// IsMain reports whether t is its state's main thread.
func (t *Thread) IsMain() bool { return t == t.state.main }

// Context returns the context of the active run.
func (t *Thread) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// Status returns the coroutine status of t as seen from the running thread.
func (t *Thread) Status(running *Thread) string {
	if t == running {
		return StatusRunning
	}
	switch t.status {
	case threadFresh, threadYielded:
		return StatusSuspended
	case threadNormal, threadRunning:
		return StatusNormal
	}
	return StatusDead
}

// executes reports whether any frame of t runs p.
func (t *Thread) executes(p *Prototype) bool {
	for d := 1; d < t.depth; d++ {
		if ci := t.frames[d]; ci.isLua() && ci.closure.proto == p {
			return true
		}
	}
	return false
}

// IsYieldable reports whether the running code may yield.
func (t *Thread) IsYieldable() bool { return t.nny == 0 }

// checkStack ensures n free slots above top.
func (t *Thread) checkStack(n int) error {
	need := t.top + n
	if need <= len(t.stack) {
		return nil
	}
	if need > t.state.opts.MaxStack {
		return t.runtimeError("stack overflow")
	}
	size := max(2*len(t.stack), need+extraStack)
	size = min(size, t.state.opts.MaxStack+extraStack)
	stack := make([]Value, size)
	copy(stack, t.stack)
	t.stack = stack
	return nil
}

// ensure grows the stack so that index end-1 is addressable.
func (t *Thread) ensure(end int) error {
	if end <= t.top {
		return nil
	}
	return t.checkStack(end - t.top)
}

func (t *Thread) pushFrame() *callInfo {
	if t.depth == len(t.frames) {
		t.frames = append(t.frames, &callInfo{})
	}
	ci := t.frames[t.depth]
	*ci = callInfo{}
	t.depth++
	t.ci = ci
	return ci
}

func (t *Thread) popFrame() {
	t.depth--
	t.ci = t.frames[t.depth-1]
}

// unwindTo drops every frame above depth.
func (t *Thread) unwindTo(depth int) {
	t.depth = depth
	t.ci = t.frames[depth-1]
}

// findUpval returns the open upvalue for stack slot idx, creating it.
func (t *Thread) findUpval(idx int) *Upvalue {
	n := len(t.openUp)
	i := n
	for i > 0 && t.openUp[i-1].index >= idx {
		if t.openUp[i-1].index == idx {
			return t.openUp[i-1]
		}
		i--
	}
	u := &Upvalue{thread: t, index: idx}
	t.openUp = append(t.openUp, nil)
	copy(t.openUp[i+1:], t.openUp[i:n])
	t.openUp[i] = u
	return u
}

// closeUpvals closes every open upvalue at or above level.
func (t *Thread) closeUpvals(level int) {
	for n := len(t.openUp); n > 0; n-- {
		u := t.openUp[n-1]
		if u.index < level {
			return
		}
		u.value = t.stack[u.index]
		u.index = -1
		u.thread = nil
		t.openUp[n-1] = nil
		t.openUp = t.openUp[:n-1]
	}
}

// call invokes the function at stack index fn with the arguments above
// it. Results are left from fn on, nresults of them or all for MultRet.
func (t *Thread) call(fn, nresults int) error {
	if t.nCalls >= t.state.opts.MaxCalls {
		return t.runtimeError("stack overflow")
	}
	t.nCalls++
	defer func() { t.nCalls-- }()
	host, err := t.precall(fn, nresults)
	if err != nil || host {
		return err
	}
	return t.execute()
}

// callNoYield is call with yields forbidden.
func (t *Thread) callNoYield(fn, nresults int) error {
	t.nny++
	defer func() { t.nny-- }()
	return t.call(fn, nresults)
}

// precall prepares a call to the function at stack index fn. Script
// functions get a new frame and must then be executed; host functions run
// to completion and host is true.
func (t *Thread) precall(fn, nresults int) (host bool, err error) {
	switch f := t.stack[fn].(type) {
	case *GoFunction:
		return true, t.callHost(fn, f, nresults)
	case *Closure:
		p := f.proto
		if err := t.checkStack(p.MaxStack + extraStack); err != nil {
			return false, err
		}
		n := t.top - fn - 1
		var base int
		if p.IsVararg {
			base = t.adjustVarargs(p, n)
		} else {
			for ; n < p.NumParams; n++ {
				t.stack[t.top] = nil
				t.top++
			}
			base = fn + 1
		}
		ci := t.pushFrame()
		ci.fn = fn
		ci.base = base
		ci.top = base + p.MaxStack
		ci.nresults = nresults
		ci.closure = f
		ci.status = cistLua
		for i := t.top; i < ci.top; i++ {
			t.stack[i] = nil
		}
		t.top = ci.top
		return false, nil
	}
	if err := t.tryCallTM(fn); err != nil {
		return false, err
	}
	return t.precall(fn, nresults)
}

// tryCallTM replaces a non-function at stack index fn by its __call
// metamethod, shifting the original value into the first argument.
func (t *Thread) tryCallTM(fn int) error {
	tm := t.state.metafield(t.stack[fn], "__call")
	if !isFunction(tm) {
		return t.runtimeError("attempt to call a %s value", TypeName(t.stack[fn]))
	}
	if err := t.checkStack(1); err != nil {
		return err
	}
	copy(t.stack[fn+1:t.top+1], t.stack[fn:t.top])
	t.top++
	t.stack[fn] = tm
	return nil
}

// adjustVarargs moves the fixed parameters above the actual arguments so
// the extra arguments stay below the new frame's base.
func (t *Thread) adjustVarargs(p *Prototype, actual int) int {
	fixed := t.top - actual
	base := t.top
	i := 0
	for ; i < p.NumParams && i < actual; i++ {
		t.stack[t.top] = t.stack[fixed+i]
		t.stack[fixed+i] = nil
		t.top++
	}
	for ; i < p.NumParams; i++ {
		t.stack[t.top] = nil
		t.top++
	}
	return base
}

func (t *Thread) callHost(fn int, g *GoFunction, nresults int) error {
	if g.kind == builtinPcall {
		return t.pcall(fn, g, nresults)
	}
	if err := t.checkStack(minStack); err != nil {
		return err
	}
	ci := t.pushFrame()
	ci.fn = fn
	ci.base = fn + 1
	ci.top = t.top + minStack
	ci.nresults = nresults
	ci.host = g
	rets, err := g.Fn(t, t.stack[fn+1:t.top])
	if err != nil {
		return t.hostError(err)
	}
	return t.posCallValues(ci, rets)
}

// hostError turns a failure reported by a host function into a script
// error unless it must abort the run.
func (t *Thread) hostError(err error) error {
	if err == errYield || isMachineError(err) {
		return err
	}
	if _, ok := AsError(err); ok {
		return err
	}
	return &Error{Value: err.Error(), Traceback: t.traceback()}
}

func isMachineError(err error) bool {
	return errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrAborted) ||
		errors.Is(err, ErrCorruptCode) || errors.Is(err, ErrPoolIndex)
}

// posCall finishes the frame ci, moving n results from stack index first
// to the function slot.
func (t *Thread) posCall(ci *callInfo, first, n int) {
	res := ci.fn
	wanted := ci.nresults
	t.popFrame()
	if wanted == MultRet {
		copy(t.stack[res:res+n], t.stack[first:first+n])
		t.top = res + n
		return
	}
	j := 0
	for ; j < wanted && j < n; j++ {
		t.stack[res+j] = t.stack[first+j]
	}
	for ; j < wanted; j++ {
		t.stack[res+j] = nil
	}
	t.top = res + wanted
}

// posCallValues finishes the host frame ci with the given results.
func (t *Thread) posCallValues(ci *callInfo, vals []Value) error {
	res := ci.fn
	wanted := ci.nresults
	n := len(vals)
	if wanted != MultRet {
		n = wanted
	}
	if err := t.ensure(res + n + extraStack); err != nil {
		return err
	}
	t.popFrame()
	j := copy(t.stack[res:res+n], vals)
	for ; j < n; j++ {
		t.stack[res+j] = nil
	}
	t.top = res + n
	return nil
}

// pcall runs the function above fn in protected mode. It stays on the
// frame stack as a yieldable protected frame.
func (t *Thread) pcall(fn int, g *GoFunction, nresults int) error {
	if t.top-fn-1 < 1 {
		return t.argError(g.Name, 1, "value expected")
	}
	if err := t.checkStack(minStack); err != nil {
		return err
	}
	ci := t.pushFrame()
	ci.fn = fn
	ci.base = fn + 1
	ci.top = t.top + minStack
	ci.nresults = nresults
	ci.host = g
	ci.status = cistYPcall
	depth := t.depth
	err := t.call(fn+1, MultRet)
	if err == errYield {
		return err
	}
	if err != nil {
		serr, ok := AsError(err)
		if !ok {
			return err
		}
		t.closeUpvals(fn + 1)
		t.unwindTo(depth)
		t.failPcall(ci, serr)
		return nil
	}
	return t.finishPcall(ci)
}

// finishPcall prepends true to the callee's results and returns them.
func (t *Thread) finishPcall(ci *callInfo) error {
	first := ci.fn + 1
	n := t.top - first
	if err := t.checkStack(1); err != nil {
		return err
	}
	copy(t.stack[first+1:t.top+1], t.stack[first:t.top])
	t.stack[first] = true
	t.top++
	t.posCall(ci, first, n+1)
	return nil
}

func (t *Thread) failPcall(ci *callInfo, serr *Error) {
	first := ci.fn + 1
	t.stack[first] = false
	t.stack[first+1] = serr.Value
	t.top = first + 2
	t.posCall(ci, first, 2)
}

// Call calls fn with args and returns all of its results. Yields are not
// allowed across it.
func (t *Thread) Call(fn Value, args ...Value) ([]Value, error) {
	fnIdx := t.top
	depth := t.depth
	if err := t.checkStack(len(args) + 1); err != nil {
		return nil, err
	}
	t.stack[fnIdx] = fn
	copy(t.stack[fnIdx+1:], args)
	t.top = fnIdx + 1 + len(args)
	if err := t.callNoYield(fnIdx, MultRet); err != nil {
		t.closeUpvals(fnIdx)
		t.unwindTo(depth)
		t.top = fnIdx
		return nil, err
	}
	rets := make([]Value, t.top-fnIdx)
	copy(rets, t.stack[fnIdx:t.top])
	clear(t.stack[fnIdx:t.top])
	t.top = fnIdx
	return rets, nil
}

// Run calls fn under ctx. Cancelling ctx aborts the run at the next
// safe point.
// A malformed instruction stream that escapes the decoder's checks is
// reported as ErrCorruptCode.
func (t *Thread) Run(ctx context.Context, fn Value, args ...Value) (rets []Value, err error) {
	prev := t.ctx
	t.ctx = ctx
	depth, top, nny, nCalls := t.depth, t.top, t.nny, t.nCalls
	defer func() {
		t.ctx = prev
		if r := recover(); r != nil {
			re, ok := r.(runtime.Error)
			if !ok {
				panic(r)
			}
			t.closeUpvals(top)
			t.unwindTo(depth)
			t.top = top
			t.nny, t.nCalls = nny, nCalls
			rets, err = nil, fmt.Errorf("%w: %v", ErrCorruptCode, re)
		}
	}()
	return t.Call(fn, args...)
}

// Resume starts or continues coroutine t from the running thread from.
// Script errors kill the coroutine and are returned as *Error.
func (t *Thread) Resume(from *Thread, args []Value) ([]Value, error) {
	switch t.status {
	case threadFresh:
		if t.top != 2 {
			return nil, t.newError(ErrDeadCoroutine.Error())
		}
	case threadYielded:
	case threadDead:
		return nil, t.newError(ErrDeadCoroutine.Error())
	default:
		return nil, t.newError("cannot resume non-suspended coroutine")
	}
	if from.nCalls >= t.state.opts.MaxCalls {
		return nil, from.runtimeError("stack overflow")
	}
	start := t.status == threadFresh
	t.ctx = from.ctx
	t.nCalls = from.nCalls
	from.status = threadNormal
	t.status = threadRunning
	err := t.resume(args, start)
	from.status = threadRunning
	if err == errYield {
		t.status = threadYielded
		rets := make([]Value, len(t.transfer))
		copy(rets, t.transfer)
		clear(t.transfer)
		t.transfer = t.transfer[:0]
		return rets, nil
	}
	t.status = threadDead
	if err != nil {
		return nil, err
	}
	rets := make([]Value, t.top-1)
	copy(rets, t.stack[1:t.top])
	return rets, nil
}

func (t *Thread) resume(args []Value, start bool) error {
	var err error
	if start {
		if err = t.checkStack(len(args)); err != nil {
			return err
		}
		copy(t.stack[t.top:], args)
		t.top += len(args)
		err = t.call(1, MultRet)
	} else {
		// Finish the host call that yielded with the resume arguments.
		if err = t.posCallValues(t.ci, args); err == nil {
			err = t.unroll()
		}
	}
	for err != nil && err != errYield {
		if !t.recover(err) {
			return err
		}
		err = t.unroll()
	}
	return err
}

// unroll continues the suspended frames of a resumed coroutine until the
// coroutine body returns or yields again.
func (t *Thread) unroll() error {
	for t.depth > 1 {
		ci := t.ci
		if !ci.isLua() {
			if err := t.finishHost(ci); err != nil {
				return err
			}
			continue
		}
		if err := t.finishOp(ci); err != nil {
			return err
		}
		if err := t.execute(); err != nil {
			return err
		}
	}
	return nil
}

// finishHost completes a host frame whose Go side was discarded by a
// yield. Only protected call frames can be in that state.
func (t *Thread) finishHost(ci *callInfo) error {
	if ci.status&cistYPcall == 0 {
		return fmt.Errorf("%w: unexpected host frame %q after resume", ErrCorruptCode, ci.host.Name)
	}
	return t.finishPcall(ci)
}

// recover finds the innermost protected frame left by a yield and
// completes it with the error.
func (t *Thread) recover(err error) bool {
	serr, ok := AsError(err)
	if !ok {
		return false
	}
	for d := t.depth - 1; d > 0; d-- {
		ci := t.frames[d]
		if ci.status&cistYPcall == 0 {
			continue
		}
		t.closeUpvals(ci.fn + 1)
		t.unwindTo(d + 1)
		t.failPcall(ci, serr)
		return true
	}
	return false
}

// Yield suspends the running coroutine, handing vals to the resumer. A
// host function yields by returning Yield's results.
func (t *Thread) Yield(vals []Value) ([]Value, error) {
	if t.IsMain() {
		return nil, t.newError(ErrNotYieldable.Error())
	}
	if t.nny > 0 {
		return nil, t.newError(ErrYieldAcrossHost.Error())
	}
	t.transfer = append(t.transfer[:0], vals...)
	return nil, errYield
}

// finishOp completes the instruction a resumed frame was suspended in:
// the value produced by the metamethod that yielded is moved into place.
func (t *Thread) finishOp(ci *callInfo) error {
	p := ci.closure.proto
	i := ci.interrupted(p)
	base := ci.base
	switch op := i.Op(); op {
	case isa.OpAdd, isa.OpSub, isa.OpMul, isa.OpDiv, isa.OpIDiv, isa.OpMod, isa.OpPow,
		isa.OpBAnd, isa.OpBOr, isa.OpBXor, isa.OpShl, isa.OpShr,
		isa.OpUnm, isa.OpBNot, isa.OpLen,
		isa.OpGetTabUp, isa.OpGetTable, isa.OpSelf:
		t.top--
		t.stack[base+i.A()] = t.stack[t.top]
	case isa.OpEq, isa.OpLt, isa.OpLe:
		res := Truthy(t.stack[t.top-1])
		t.top--
		if ci.status&cistLeq != 0 {
			ci.status &^= cistLeq
			res = !res
		}
		if res != (i.A() != 0) {
			ci.pc++
		}
	case isa.OpConcat:
		top := t.top - 1
		b := i.B()
		total := top - 1 - (base + b)
		t.stack[top-2] = t.stack[top]
		if total > 1 {
			t.top = top - 1
			if err := t.concat(total); err != nil {
				return err
			}
		}
		t.stack[base+i.A()] = t.stack[t.top-1]
		t.top = ci.top
	case isa.OpTForCall:
		t.top = ci.top
	case isa.OpCall:
		if i.C()-1 >= 0 {
			t.top = ci.top
		}
	case isa.OpTailCall, isa.OpSetTabUp, isa.OpSetTable:
	default:
		return fmt.Errorf("%w: cannot resume inside %s", ErrCorruptCode, op)
	}
	return nil
}

// runtimeError builds a script error positioned at the running script
// function.
func (t *Thread) runtimeError(format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if pos := t.where(t.ci); pos != "" {
		msg = pos + msg
	}
	return &Error{Value: msg, Traceback: t.traceback()}
}

// newError builds an unpositioned script error.
func (t *Thread) newError(msg string) *Error {
	return &Error{Value: msg, Traceback: t.traceback()}
}

// Errorf builds a script error positioned at the script function that
// called the running host function.
func (t *Thread) Errorf(format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Value: t.Where(1) + msg, Traceback: t.traceback()}
}

// Throw builds a script error carrying v unchanged, as error(v) does.
func (t *Thread) Throw(v Value) *Error {
	return &Error{Value: v, Traceback: t.traceback()}
}

// ArgError reports a bad argument to the running host function.
func (t *Thread) ArgError(n int, msg string) *Error {
	name := "?"
	if ci := t.ci; ci.host != nil {
		name = ci.host.Name
	}
	return t.argError(name, n, msg)
}

func (t *Thread) argError(name string, n int, msg string) *Error {
	return t.Errorf("bad argument #%d to '%s' (%s)", n, name, msg)
}

// Where returns a "source:line: " prefix for the function level frames
// below the running one, or "" when that frame has no line information.
func (t *Thread) Where(level int) string {
	d := t.depth - 1 - level
	if d < 1 {
		return ""
	}
	return t.where(t.frames[d])
}

func (t *Thread) where(ci *callInfo) string {
	if !ci.isLua() {
		return ""
	}
	p := ci.closure.proto
	line := p.Line(ci.position(p))
	if line < 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d: ", ChunkID(p.Source), line)
}

// ChunkID formats a chunk source name for messages.
func ChunkID(source string) string {
	switch {
	case strings.HasPrefix(source, "="), strings.HasPrefix(source, "@"):
		return source[1:]
	case source == "":
		return "?"
	}
	if i := strings.IndexByte(source, '\n'); i >= 0 {
		source = source[:i] + "..."
	}
	return fmt.Sprintf("[string %q]", source)
}

func (t *Thread) traceback() string {
	var b strings.Builder
	b.WriteString("stack traceback:")
	for d := t.depth - 1; d > 0; d-- {
		ci := t.frames[d]
		b.WriteString("\n\t")
		if !ci.isLua() {
			fmt.Fprintf(&b, "[Go]: in function '%s'", ci.host.Name)
			continue
		}
		p := ci.closure.proto
		src := ChunkID(p.Source)
		if line := p.Line(ci.position(p)); line >= 0 {
			fmt.Fprintf(&b, "%s:%d: ", src, line)
		} else {
			fmt.Fprintf(&b, "%s: ", src)
		}
		if p.LineDefined == 0 {
			b.WriteString("in main chunk")
		} else {
			fmt.Fprintf(&b, "in function <%s:%d>", src, p.LineDefined)
		}
	}
	return b.String()
}
