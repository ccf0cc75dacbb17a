// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package branchprob

import (
	"go/constant"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/garozipedro/runtime-estimation/cfg"
)

// A heuristic nominates, for a two-way branch, one successor predicted
// taken and one predicted not taken, with fixed probabilities.
type heuristic int

const (
	loopBranchHeuristic heuristic = iota
	pointerHeuristic
	callHeuristic
	opcodeHeuristic
	loopExitHeuristic
	returnHeuristic
	storeHeuristic
	loopHeaderHeuristic
	guardHeuristic

	numHeuristics
)

// branchProbabilities holds the taken/not-taken probability pair of
// each heuristic. The order is the fixed order in which heuristics are
// tried; ties between heuristics are resolved by that order alone.
var branchProbabilities = [numHeuristics]struct {
	name     string
	taken    float64
	notTaken float64
}{
	loopBranchHeuristic: {"loop branch", 0.88, 0.12},
	pointerHeuristic:    {"pointer", 0.60, 0.40},
	callHeuristic:       {"call", 0.78, 0.22},
	opcodeHeuristic:     {"opcode", 0.84, 0.16},
	loopExitHeuristic:   {"loop exit", 0.80, 0.20},
	returnHeuristic:     {"return", 0.72, 0.28},
	storeHeuristic:      {"store", 0.55, 0.45},
	loopHeaderHeuristic: {"loop header", 0.75, 0.25},
	guardHeuristic:      {"guard", 0.62, 0.38},
}

// A prediction names the successor a heuristic predicts taken and the
// one it predicts not taken.
type prediction struct {
	taken, notTaken *ssa.BasicBlock
}

// matchHeuristic applies heuristic h to the two-way branch ending b.
// It returns the nominated successors and whether the heuristic fired.
// If both successors exhibit the property the heuristic looks for (or
// neither does) the heuristic does not fire.
func (info *Info) matchHeuristic(h heuristic, b *ssa.BasicBlock) (prediction, bool) {
	switch h {
	case loopBranchHeuristic:
		return info.matchLoopBranch(b)
	case pointerHeuristic:
		return info.matchPointer(b)
	case callHeuristic:
		return info.matchLeadsTo(b, info.HasCall)
	case opcodeHeuristic:
		return info.matchOpcode(b)
	case loopExitHeuristic:
		return info.matchLoopExit(b)
	case returnHeuristic:
		return info.matchReturn(b)
	case storeHeuristic:
		return info.matchLeadsTo(b, info.HasStore)
	case loopHeaderHeuristic:
		return info.matchLoopHeader(b)
	case guardHeuristic:
		return info.matchGuard(b)
	}
	panic("branchprob: unknown heuristic")
}

// branchCond returns the condition of the If terminating b, or nil.
func branchCond(b *ssa.BasicBlock) ssa.Value {
	if len(b.Instrs) == 0 {
		return nil
	}
	if ifi, ok := b.Instrs[len(b.Instrs)-1].(*ssa.If); ok {
		return ifi.Cond
	}
	return nil
}

// matchLoopBranch predicts that a back edge is taken, or that an exit
// edge is not.
func (info *Info) matchLoopBranch(b *ssa.BasicBlock) (prediction, bool) {
	s0, s1 := b.Succs[0], b.Succs[1]
	back0 := info.IsBackEdge(cfg.Edge{Src: b, Dst: s0})
	back1 := info.IsBackEdge(cfg.Edge{Src: b, Dst: s1})
	if back0 != back1 {
		if back0 {
			return prediction{s0, s1}, true
		}
		return prediction{s1, s0}, true
	}
	exit0 := info.IsExitEdge(cfg.Edge{Src: b, Dst: s0})
	exit1 := info.IsExitEdge(cfg.Edge{Src: b, Dst: s1})
	if exit0 != exit1 {
		if exit0 {
			return prediction{s1, s0}, true
		}
		return prediction{s0, s1}, true
	}
	return prediction{}, false
}

// isPointerLike reports whether t is a nil-comparable reference type.
func isPointerLike(t types.Type) bool {
	switch u := t.Underlying().(type) {
	case *types.Pointer, *types.Signature, *types.Interface, *types.Map, *types.Chan, *types.Slice:
		return true
	case *types.Basic:
		return u.Kind() == types.UnsafePointer
	}
	return false
}

// matchPointer predicts that pointers are unequal: p != nil and p != q
// branch to the true successor, p == nil and p == q to the false one.
func (info *Info) matchPointer(b *ssa.BasicBlock) (prediction, bool) {
	binop, ok := branchCond(b).(*ssa.BinOp)
	if !ok {
		return prediction{}, false
	}
	if binop.Op != token.EQL && binop.Op != token.NEQ {
		return prediction{}, false
	}
	if !isPointerLike(binop.X.Type()) {
		return prediction{}, false
	}
	if binop.Op == token.NEQ {
		return prediction{b.Succs[0], b.Succs[1]}, true
	}
	return prediction{b.Succs[1], b.Succs[0]}, true
}

// matchLeadsTo fires when exactly one successor leads to a block
// satisfying pred. A successor leads to the event if the event occurs
// in the successor itself or in a block on its immediate
// post-dominator chain, stopping before blocks that also post-dominate
// the branch (events common to both paths do not discriminate).
func (info *Info) matchLeadsTo(b *ssa.BasicBlock, pred func(*ssa.BasicBlock) bool) (prediction, bool) {
	leads := func(s *ssa.BasicBlock) bool {
		for cur := s; cur != nil && !info.pdom.PostDominates(cur, b); cur = info.pdom.IPostDom(cur) {
			if pred(cur) {
				return true
			}
		}
		return false
	}
	s0, s1 := b.Succs[0], b.Succs[1]
	l0, l1 := leads(s0), leads(s1)
	if l0 == l1 {
		return prediction{}, false
	}
	// The successor avoiding the event is predicted taken.
	if l0 {
		return prediction{s1, s0}, true
	}
	return prediction{s0, s1}, true
}

// matchOpcode predicts integer comparisons: tests against zero or a
// negative constant for <, <=, or == fail; their complements succeed.
func (info *Info) matchOpcode(b *ssa.BasicBlock) (prediction, bool) {
	binop, ok := branchCond(b).(*ssa.BinOp)
	if !ok {
		return prediction{}, false
	}
	basic, ok := binop.X.Type().Underlying().(*types.Basic)
	if !ok || basic.Info()&types.IsInteger == 0 {
		return prediction{}, false
	}

	// Normalize the constant operand to the right-hand side.
	op := binop.Op
	c, ok := binop.Y.(*ssa.Const)
	if !ok {
		if c, ok = binop.X.(*ssa.Const); !ok {
			return prediction{}, false
		}
		switch op {
		case token.LSS:
			op = token.GTR
		case token.LEQ:
			op = token.GEQ
		case token.GTR:
			op = token.LSS
		case token.GEQ:
			op = token.LEQ
		}
	}
	if c.Value == nil || c.Value.Kind() != constant.Int {
		return prediction{}, false
	}
	sign := constant.Sign(c.Value)

	trueSucc := prediction{b.Succs[0], b.Succs[1]}
	falseSucc := prediction{b.Succs[1], b.Succs[0]}
	switch op {
	case token.EQL:
		if sign <= 0 {
			return falseSucc, true
		}
	case token.NEQ:
		if sign <= 0 {
			return trueSucc, true
		}
	case token.LSS: // x < c fails for c <= 0
		if sign <= 0 {
			return falseSucc, true
		}
	case token.LEQ: // x <= c fails for c < 0, and for c == 0
		if sign <= 0 {
			return falseSucc, true
		}
	case token.GTR: // x > c succeeds for c <= 0
		if sign <= 0 {
			return trueSucc, true
		}
	case token.GEQ:
		if sign <= 0 {
			return trueSucc, true
		}
	}
	return prediction{}, false
}

// matchLoopExit predicts that the exit comparison of a loop does not
// leave the loop. It fires for a block inside a loop with no back-edge
// successors and exactly one successor outside the loop.
func (info *Info) matchLoopExit(b *ssa.BasicBlock) (prediction, bool) {
	l := info.nest.LoopFor(b)
	if l == nil {
		return prediction{}, false
	}
	s0, s1 := b.Succs[0], b.Succs[1]
	if info.IsBackEdge(cfg.Edge{Src: b, Dst: s0}) || info.IsBackEdge(cfg.Edge{Src: b, Dst: s1}) {
		return prediction{}, false
	}
	in0 := info.nest.Contains(l, s0)
	in1 := info.nest.Contains(l, s1)
	if in0 == in1 {
		return prediction{}, false
	}
	if in0 {
		return prediction{s0, s1}, true
	}
	return prediction{s1, s0}, true
}

// matchReturn predicts that a successor ending in a return is not
// taken.
func (info *Info) matchReturn(b *ssa.BasicBlock) (prediction, bool) {
	returns := func(s *ssa.BasicBlock) bool {
		if len(s.Instrs) == 0 {
			return false
		}
		_, ok := s.Instrs[len(s.Instrs)-1].(*ssa.Return)
		return ok
	}
	s0, s1 := b.Succs[0], b.Succs[1]
	r0, r1 := returns(s0), returns(s1)
	if r0 == r1 {
		return prediction{}, false
	}
	if r0 {
		return prediction{s1, s0}, true
	}
	return prediction{s0, s1}, true
}

// matchLoopHeader predicts that a successor which is a loop header or
// pre-header, and does not post-dominate the branch, is taken.
func (info *Info) matchLoopHeader(b *ssa.BasicBlock) (prediction, bool) {
	headerLike := func(s *ssa.BasicBlock) bool {
		if info.nest.IsLoopHeader(s) {
			return true
		}
		// Pre-header: falls through to a header it dominates.
		return len(s.Succs) == 1 && info.nest.IsLoopHeader(s.Succs[0]) && s.Dominates(s.Succs[0])
	}
	s0, s1 := b.Succs[0], b.Succs[1]
	h0 := headerLike(s0) && !info.pdom.PostDominates(s0, b)
	h1 := headerLike(s1) && !info.pdom.PostDominates(s1, b)
	if h0 == h1 {
		return prediction{}, false
	}
	if h0 {
		return prediction{s0, s1}, true
	}
	return prediction{s1, s0}, true
}

// matchGuard predicts that a successor using an operand of the branch
// condition, without post-dominating the branch, is taken.
func (info *Info) matchGuard(b *ssa.BasicBlock) (prediction, bool) {
	cond := branchCond(b)
	if cond == nil {
		return prediction{}, false
	}
	var operands []ssa.Value
	if binop, ok := cond.(*ssa.BinOp); ok {
		operands = []ssa.Value{binop.X, binop.Y}
	} else {
		operands = []ssa.Value{cond}
	}

	usedIn := func(s *ssa.BasicBlock) bool {
		for _, v := range operands {
			refs := v.Referrers()
			if refs == nil {
				continue
			}
			for _, use := range *refs {
				if use.Block() == s {
					return true
				}
			}
		}
		return false
	}
	s0, s1 := b.Succs[0], b.Succs[1]
	g0 := usedIn(s0) && !info.pdom.PostDominates(s0, b)
	g1 := usedIn(s1) && !info.pdom.PostDominates(s1, b)
	if g0 == g1 {
		return prediction{}, false
	}
	if g0 {
		return prediction{s0, s1}, true
	}
	return prediction{s1, s0}, true
}
