// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pointsto resolves indirect call sites to the set of
// functions they may invoke, together with the local frequency with
// which each function is invoked at the site.
//
// The resolver is a flow-sensitive def-use tracer: starting from the
// callee operand of an indirect call it walks backward to the writes
// that may have produced the value (stores to locals and struct
// fields, phi nodes, closure literals, values returned from calls,
// pointers passed to callees as arguments), records each write event
// at its block, and then corrects every event by the fraction of the
// block's executions that actually reach the call without the write
// being overwritten on the way.
package pointsto

import (
	"fmt"
	"go/token"

	"golang.org/x/tools/go/ssa"
)

// FrequencyInfo supplies local block and edge frequencies for any
// analyzed function; the tracer weights write events with them.
type FrequencyInfo interface {
	BlockFrequency(b *ssa.BasicBlock) float64
	EdgeFrequency(src, dst *ssa.BasicBlock) float64
}

// A Target is one function an indirect call site may invoke, with the
// expected number of calls per invocation of the caller.
type Target struct {
	Fn   *ssa.Function
	Freq float64
}

// Resolve enumerates the possible callees of an indirect call site.
// Targets appear in discovery order. Sites whose callee operand is not
// traceable (an opaque parameter, an interface dispatch) resolve to
// nothing.
func Resolve(call ssa.CallInstruction, freqs FrequencyInfo, debug int) []Target {
	r := &resolver{
		freqs:  freqs,
		debug:  debug,
		active: make(map[ssa.Instruction]bool),
	}
	return r.resolve(call)
}

type resolver struct {
	freqs FrequencyInfo
	debug int

	// active guards against tracing through cycles of loads and
	// indirect calls: a trace whose reference instruction is already
	// being traced resolves to nothing.
	active map[ssa.Instruction]bool
}

func (r *resolver) logf(format string, args ...interface{}) {
	if r.debug > 0 {
		fmt.Printf("pointsto: "+format+"\n", args...)
	}
}

func (r *resolver) resolve(call ssa.CallInstruction) []Target {
	op := call.Common().Value
	instr, ok := op.(ssa.Instruction)
	if !ok {
		// A function value with no local definition: a parameter, a
		// free variable, or an interface method. Nothing to trace.
		r.logf("opaque callee operand %v at %s", op, call.Parent())
		return nil
	}
	pairs := r.runTrace(instr, item{instr: instr})

	// Sum the corrected weights per function. Observed nil writes are
	// dropped; they only mattered for the path correction.
	var targets []Target
	index := make(map[*ssa.Function]int)
	for _, e := range pairs {
		if e.fn == nil {
			continue
		}
		if i, ok := index[e.fn]; ok {
			targets[i].Freq += e.weight
		} else {
			index[e.fn] = len(targets)
			targets = append(targets, Target{Fn: e.fn, Freq: e.weight})
		}
	}
	return targets
}

// runTrace runs a fresh trace with the given reference instruction and
// first work item, returning the corrected write events.
func (r *resolver) runTrace(ref ssa.Instruction, first item) []entry {
	if r.active[ref] {
		return nil
	}
	r.active[ref] = true
	defer delete(r.active, ref)

	t := newTrace(r, ref)
	t.queue = append(t.queue, first)
	return t.run()
}

// A direction tags a work item: regular items trace backward from a
// use toward the defs that may feed it; reverse items trace forward
// from a def toward the uses that store it away; argument items follow
// a pointer passed to a callee.
type direction int

const (
	dirRegular direction = iota
	dirReverse
	dirArgument
)

// An item is one instruction still to visit.
type item struct {
	instr    ssa.Instruction
	dir      direction
	argPos   int // valid when dir == dirArgument
	retIndex int // result index for return-value tracing
}

// An entry is a write event: the function (or nil) observed written,
// weighted by the frequency of the writing construct.
type entry struct {
	fn     *ssa.Function
	weight float64
}

// A trace accumulates the write events for one reference instruction.
type trace struct {
	r        *resolver
	ref      ssa.Instruction
	refBlock *ssa.BasicBlock
	fn       *ssa.Function

	ancestors map[*ssa.BasicBlock]bool // blocks that can reach ref

	entries map[*ssa.BasicBlock][]entry
	order   []*ssa.BasicBlock // deterministic iteration over entries

	queue []item
	done  map[item]bool // items already visited; aliasing can requeue

	bfreqs map[*ssa.BasicBlock]float64 // memo for the path correction
}

func newTrace(r *resolver, ref ssa.Instruction) *trace {
	t := &trace{
		r:         r,
		ref:       ref,
		refBlock:  ref.Block(),
		fn:        ref.Parent(),
		ancestors: make(map[*ssa.BasicBlock]bool),
		entries:   make(map[*ssa.BasicBlock][]entry),
		done:      make(map[item]bool),
		bfreqs:    make(map[*ssa.BasicBlock]float64),
	}
	// All predecessors of ref's block, transitively, and the block
	// itself.
	stack := []*ssa.BasicBlock{t.refBlock}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if t.ancestors[b] {
			continue
		}
		t.ancestors[b] = true
		stack = append(stack, b.Preds...)
	}
	return t
}

func (t *trace) run() []entry {
	for len(t.queue) > 0 {
		it := t.queue[len(t.queue)-1]
		t.queue = t.queue[:len(t.queue)-1]
		if t.done[it] {
			continue
		}
		t.done[it] = true
		t.step(it)
	}

	// Path correction: scale every event by the fraction of its
	// block's executions that reach ref with the event intact.
	var out []entry
	for _, b := range t.order {
		pf := t.correct(b)
		for _, e := range t.entries[b] {
			out = append(out, entry{fn: e.fn, weight: e.weight * pf})
		}
	}
	return out
}

func (t *trace) push(it item) { t.queue = append(t.queue, it) }

func (t *trace) hasEntries(b *ssa.BasicBlock) bool { return len(t.entries[b]) > 0 }

func (t *trace) record(b *ssa.BasicBlock, fn *ssa.Function, weight float64) {
	if len(t.entries[b]) == 0 {
		t.order = append(t.order, b)
	}
	t.entries[b] = append(t.entries[b], entry{fn: fn, weight: weight})
}

// merge appends already-corrected pairs from a nested trace as events
// of block b, scaled by scale.
func (t *trace) merge(b *ssa.BasicBlock, pairs []entry, scale float64) {
	for _, e := range pairs {
		t.record(b, e.fn, e.weight*scale)
	}
}

// visible reports whether an instruction can influence ref: it must be
// in the same function, on a path to ref's block, and precede ref when
// they share a block.
func (t *trace) visible(u ssa.Instruction) bool {
	if u.Parent() != t.fn {
		return false
	}
	b := u.Block()
	if b == t.refBlock {
		return comesBefore(u, t.ref)
	}
	return t.ancestors[b]
}

// comesBefore reports whether a precedes b within their shared block.
func comesBefore(a, b ssa.Instruction) bool {
	if a == b || a.Block() != b.Block() {
		return false
	}
	for _, instr := range a.Block().Instrs {
		if instr == a {
			return true
		}
		if instr == b {
			return false
		}
	}
	return false
}

// step dispatches one work item. The instruction kinds form a closed
// sum; an unexpected kind aborts rather than silently undercounting.
func (t *trace) step(it item) {
	switch it.dir {
	case dirArgument:
		t.traceArgument(it.instr.(ssa.CallInstruction), it.argPos)
	case dirReverse:
		t.stepReverse(it.instr)
	default:
		t.stepRegular(it)
	}
}

func (t *trace) stepRegular(it item) {
	switch v := it.instr.(type) {
	case *ssa.Alloc:
		t.traceCell(v)
	case *ssa.UnOp:
		t.traceLoad(v)
	case *ssa.Store:
		t.traceStore(v)
	case *ssa.Call:
		t.traceCallResult(v, it.retIndex)
	case *ssa.Extract:
		if call, ok := v.Tuple.(*ssa.Call); ok {
			t.traceCallResult(call, v.Index)
		} else {
			// Tuples out of selects, map lookups and range iterators
			// are dynamic sources the tracer cannot see through.
			t.r.logf("dynamic tuple source %v", v)
		}
	case *ssa.Phi:
		t.tracePhi(v)
	case *ssa.MakeClosure:
		if t.hasEntries(v.Block()) {
			return
		}
		t.record(v.Block(), v.Fn.(*ssa.Function), t.r.freqs.BlockFrequency(v.Block()))
	case *ssa.FieldAddr:
		t.traceFieldAddr(v)
	case *ssa.IndexAddr:
		t.traceIndexAddr(v)
	case *ssa.Return:
		t.traceReturn(v, it.retIndex)
	case *ssa.ChangeType:
		t.traceValue(v.Block(), v.X)
	case *ssa.Convert:
		t.traceValue(v.Block(), v.X)
	case *ssa.ChangeInterface:
		t.traceValue(v.Block(), v.X)
	case *ssa.MakeInterface:
		t.traceValue(v.Block(), v.X)
	case *ssa.TypeAssert:
		t.traceValue(v.Block(), v.X)
	case *ssa.Lookup, *ssa.Select, *ssa.Next, *ssa.Range:
		// Dynamic containers; no write events to recover.
		t.r.logf("dynamic source %v", it.instr)
	default:
		panic(fmt.Sprintf("pointsto: unhandled instruction %T (%v) in %s", it.instr, it.instr, t.fn))
	}
}

// traceValue classifies a value observed flowing at block b: function
// constants and nil are final write events, instructions are traced
// further, and context-dependent values (parameters, free variables)
// contribute nothing.
func (t *trace) traceValue(b *ssa.BasicBlock, v ssa.Value) {
	switch v := v.(type) {
	case *ssa.Function:
		t.record(b, v, t.r.freqs.BlockFrequency(b))
	case *ssa.Const:
		if v.IsNil() {
			t.record(b, nil, t.r.freqs.BlockFrequency(b))
		}
	case ssa.Instruction:
		t.push(item{instr: v})
	case *ssa.Parameter, *ssa.FreeVar, *ssa.Builtin:
		t.r.logf("context-dependent value %v in %s", v, t.fn)
	default:
		t.r.logf("untraceable value %v in %s", v, t.fn)
	}
}

// pushPointer follows the pointer operand of the reference load.
func (t *trace) pushPointer(v ssa.Value) {
	switch v := v.(type) {
	case ssa.Instruction:
		t.push(item{instr: v})
	case *ssa.Global:
		t.traceGlobal(v)
	default:
		t.r.logf("untraceable pointer %v in %s", v, t.fn)
	}
}

// cellUsers returns the instructions using cell, in use-list order.
// Globals carry no referrer list, so their uses are recovered by
// scanning the traced function.
func (t *trace) cellUsers(cell ssa.Value) []ssa.Instruction {
	if refs := cell.Referrers(); refs != nil {
		return *refs
	}
	var users []ssa.Instruction
	for _, b := range t.fn.Blocks {
		for _, instr := range b.Instrs {
			rands := instr.Operands(nil)
			for _, rand := range rands {
				if *rand == cell {
					users = append(users, instr)
					break
				}
			}
		}
	}
	return users
}

// traceCell maps the basic blocks that may set the value held in a
// local or global cell: direct stores (the last one per block wins)
// and calls the cell's address escapes into as an argument.
func (t *trace) traceCell(cell ssa.Value) {
	users := t.cellUsers(cell)

	// Keep only the last store per block; earlier ones are dead along
	// any path to ref.
	lastStore := make(map[*ssa.BasicBlock]*ssa.Store)
	for _, u := range users {
		st, ok := u.(*ssa.Store)
		if !ok || st.Addr != cell || !t.visible(st) {
			continue
		}
		if prev, ok := lastStore[st.Block()]; !ok || comesBefore(prev, st) {
			lastStore[st.Block()] = st
		}
	}

	// Queue events in use-list order; the stack pops the latest ones
	// first, so per block the latest write claims the block and the
	// skip rule drops the rest.
	for _, u := range users {
		switch u := u.(type) {
		case *ssa.Store:
			if lastStore[u.Block()] == u {
				t.push(item{instr: u})
			}
		case ssa.CallInstruction:
			if !t.visible(u) {
				continue
			}
			if pos := argPosition(u, cell); pos >= 0 {
				t.push(item{instr: u, dir: dirArgument, argPos: pos})
			}
		}
	}
}

// traceGlobal treats a package-level variable as a single cell,
// considering only writes within the traced function.
func (t *trace) traceGlobal(g *ssa.Global) {
	t.traceCell(g)
}

// argPosition returns the argument index at which v is passed to call,
// or -1.
func argPosition(call ssa.CallInstruction, v ssa.Value) int {
	for i, a := range call.Common().Args {
		if a == v {
			return i
		}
	}
	return -1
}

// traceLoad handles a load: the reference load is traced through its
// pointer operand; any other load is resolved in a nested trace whose
// result lands at the load's block.
func (t *trace) traceLoad(load *ssa.UnOp) {
	if load.Op != token.MUL {
		// Channel receives and other unary operators are dynamic
		// sources.
		t.r.logf("dynamic unary source %v", load)
		return
	}
	if load != t.ref {
		t.merge(load.Block(), t.r.runTrace(load, item{instr: load}), 1)
		return
	}
	t.pushPointer(load.X)
}

// traceStore handles a store seen as a write event of the traced cell.
func (t *trace) traceStore(st *ssa.Store) {
	if t.hasEntries(st.Block()) {
		return // a later write in this block already claimed it
	}
	t.traceValue(st.Block(), st.Val)
}

// traceCallResult traces the function value returned from a call: the
// callee's return blocks are traced in nested traces whose results are
// merged at the call site, weighted by the call block's frequency.
func (t *trace) traceCallResult(call *ssa.Call, retIndex int) {
	if t.hasEntries(call.Block()) {
		return
	}
	scale := t.r.freqs.BlockFrequency(call.Block())
	if callee := call.Common().StaticCallee(); callee != nil {
		t.merge(call.Block(), t.r.traceReturns(callee, retIndex), scale)
		return
	}
	if call.Common().IsInvoke() {
		t.r.logf("invoke-mode callee of %v", call)
		return
	}
	// The call is itself indirect: resolve it, then trace the returns
	// of every candidate callee.
	for _, tgt := range t.r.resolve(call) {
		if len(tgt.Fn.Blocks) == 0 {
			continue
		}
		t.merge(call.Block(), t.r.traceReturns(tgt.Fn, retIndex), scale)
	}
}

// traceReturns runs a nested trace rooted at each returning block of
// callee and concatenates the corrected events.
func (r *resolver) traceReturns(callee *ssa.Function, retIndex int) []entry {
	var pairs []entry
	for _, b := range callee.Blocks {
		if len(b.Instrs) == 0 {
			continue
		}
		if ret, ok := b.Instrs[len(b.Instrs)-1].(*ssa.Return); ok {
			pairs = append(pairs, r.runTrace(ret, item{instr: ret, retIndex: retIndex})...)
		}
	}
	return pairs
}

// traceReturn records or follows the traced result operand of a
// return.
func (t *trace) traceReturn(ret *ssa.Return, retIndex int) {
	if retIndex >= len(ret.Results) {
		return
	}
	t.traceValue(ret.Block(), ret.Results[retIndex])
}

// tracePhi records one event per incoming edge: function constants and
// nils weigh the frequency of their edge; instruction incomings are
// resolved in nested traces merged at the phi's block.
func (t *trace) tracePhi(phi *ssa.Phi) {
	if t.hasEntries(phi.Block()) {
		return
	}
	for i, v := range phi.Edges {
		pred := phi.Block().Preds[i]
		switch v := v.(type) {
		case *ssa.Function:
			t.record(phi.Block(), v, t.r.freqs.EdgeFrequency(pred, phi.Block()))
		case *ssa.Const:
			if v.IsNil() {
				t.record(phi.Block(), nil, t.r.freqs.EdgeFrequency(pred, phi.Block()))
			}
		case ssa.Instruction:
			t.merge(phi.Block(), t.r.runTrace(v, item{instr: v}), 1)
		default:
			t.r.logf("context-dependent phi incoming %v in %s", v, t.fn)
		}
	}
}

// traceFieldAddr handles a struct-field address: every address of the
// same field of the same base may feed the traced load, so their
// stores are followed.
func (t *trace) traceFieldAddr(fa *ssa.FieldAddr) {
	for _, u := range t.cellUsers(fa.X) {
		if sib, ok := u.(*ssa.FieldAddr); ok && sib.Field == fa.Field && t.visible(sib) {
			t.push(item{instr: sib, dir: dirReverse})
		}
	}
}

// traceIndexAddr handles an element address. Element tracking is not
// modeled: the whole array is a single cell, and every element address
// of the same base aliases it.
func (t *trace) traceIndexAddr(ia *ssa.IndexAddr) {
	for _, u := range t.cellUsers(ia.X) {
		if sib, ok := u.(*ssa.IndexAddr); ok && t.visible(sib) {
			t.push(item{instr: sib, dir: dirReverse})
		}
	}
}

// stepReverse follows a definition forward to the stores that write it
// (or what it points to) into memory.
func (t *trace) stepReverse(instr ssa.Instruction) {
	switch v := instr.(type) {
	case *ssa.Store:
		// The traced pointer is stored into another cell: follow that
		// cell's loads.
		t.reverseCell(v.Addr)
	case *ssa.Alloc:
		t.reverseCell(v)
	case *ssa.UnOp:
		if v.Op == token.MUL {
			t.reverseValue(v)
		}
	case *ssa.FieldAddr, *ssa.IndexAddr:
		// Writes through an aliased element or field address.
		t.reverseAddr(v.(ssa.Value))
	case *ssa.ChangeType, *ssa.Convert, *ssa.ChangeInterface, *ssa.MakeInterface, *ssa.TypeAssert:
		t.reverseValue(v.(ssa.Value))
	default:
		panic(fmt.Sprintf("pointsto: unhandled reverse instruction %T (%v) in %s", instr, instr, t.fn))
	}
}

// reverseCell follows the loads of a cell holding a traced pointer.
func (t *trace) reverseCell(cell ssa.Value) {
	switch cell.(type) {
	case *ssa.Alloc, *ssa.Global, *ssa.FieldAddr, *ssa.IndexAddr:
	default:
		t.r.logf("untraceable reverse cell %v in %s", cell, t.fn)
		return
	}
	for _, u := range t.cellUsers(cell) {
		if load, ok := u.(*ssa.UnOp); ok && load.Op == token.MUL && load.X == cell && t.visible(load) {
			t.push(item{instr: load, dir: dirReverse})
		}
	}
}

// reverseValue follows the uses of a pointer value: stores through it
// are write events, copies of it are new aliases, and passing it to a
// call hands the tracing over to the callee.
func (t *trace) reverseValue(v ssa.Value) {
	refs := v.Referrers()
	if refs == nil {
		return
	}
	for _, u := range *refs {
		if !t.visible(u) {
			continue
		}
		switch u := u.(type) {
		case *ssa.Store:
			if u.Addr == v {
				// A write through the traced pointer.
				if t.hasEntries(u.Block()) {
					continue
				}
				t.traceValue(u.Block(), u.Val)
			} else {
				// The pointer itself is copied away.
				t.push(item{instr: u, dir: dirReverse})
			}
		case *ssa.UnOp:
			if u.Op == token.MUL && u.X == v {
				t.push(item{instr: u, dir: dirReverse})
			}
		case *ssa.FieldAddr, *ssa.IndexAddr:
			t.push(item{instr: u, dir: dirReverse})
		case ssa.CallInstruction:
			if pos := argPosition(u, v); pos >= 0 {
				t.push(item{instr: u.(ssa.Instruction), dir: dirArgument, argPos: pos})
			}
		}
	}
}

// reverseAddr records writes through an address value.
func (t *trace) reverseAddr(addr ssa.Value) {
	refs := addr.Referrers()
	if refs == nil {
		return
	}
	for _, u := range *refs {
		if !t.visible(u) {
			continue
		}
		if st, ok := u.(*ssa.Store); ok && st.Addr == addr {
			if t.hasEntries(st.Block()) {
				continue
			}
			t.traceValue(st.Block(), st.Val)
		}
	}
}

// traceArgument follows a pointer passed to a callee that may store a
// function through it: each store of the parameter inside the callee
// seeds a reverse trace rooted at the callee's returns, and the
// corrected callee-side events are merged at the call site.
func (t *trace) traceArgument(call ssa.CallInstruction, pos int) {
	block := call.Block()
	if t.hasEntries(block) {
		return
	}
	callee := call.Common().StaticCallee()
	if callee == nil || len(callee.Blocks) == 0 {
		t.r.logf("cannot trace argument %d of %v", pos, call)
		return
	}
	if pos >= len(callee.Params) {
		return
	}
	param := callee.Params[pos]
	refs := param.Referrers()
	if refs == nil {
		return
	}
	scale := t.r.freqs.BlockFrequency(block)
	for _, u := range *refs {
		st, ok := u.(*ssa.Store)
		if !ok || st.Val != param {
			continue
		}
		for _, rb := range callee.Blocks {
			if len(rb.Instrs) == 0 {
				continue
			}
			if ret, ok := rb.Instrs[len(rb.Instrs)-1].(*ssa.Return); ok {
				pairs := t.r.runTrace(ret, item{instr: st, dir: dirReverse})
				t.merge(block, pairs, scale)
			}
		}
	}
}

// correct computes the fraction of b's executions whose written value
// survives to ref: paths through blocks with their own write events
// are excluded, as are paths leaving the ancestors of ref.
func (t *trace) correct(b *ssa.BasicBlock) float64 {
	if pf, ok := t.bfreqs[b]; ok {
		return pf
	}
	if b == t.refBlock {
		t.bfreqs[b] = 1
		return 1
	}
	t.bfreqs[b] = 0
	for _, s := range b.Succs {
		if !t.ancestors[s] {
			continue // s cannot reach ref
		}
		if t.hasEntries(s) {
			continue // s overwrites b's effect
		}
		bf := t.r.freqs.BlockFrequency(b)
		if bf <= 0 {
			continue
		}
		t.bfreqs[b] += t.r.freqs.EdgeFrequency(b, s) / bf * t.correct(s)
	}
	return t.bfreqs[b]
}
