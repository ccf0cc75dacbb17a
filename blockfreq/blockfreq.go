// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockfreq propagates branch probabilities into expected
// per-invocation execution counts for every block and edge of a
// function, following algorithm 2 of Wu & Larus (1994). Loops are
// collapsed through their cyclic probability, clamped below one so
// that loops with no termination information yield bounded counts.
package blockfreq

import (
	"golang.org/x/tools/go/ssa"

	"github.com/garozipedro/runtime-estimation/branchprob"
	"github.com/garozipedro/runtime-estimation/cfg"
)

// epsilon bounds cyclic probabilities away from 1 so that block
// frequencies stay finite.
const epsilon = 0.000001

// EdgeProbabilities supplies the probability of each CFG edge; it is
// implemented by branchprob.Result.
type EdgeProbabilities interface {
	EdgeProbability(src, dst *ssa.BasicBlock) float64
}

// Result holds the block and edge frequencies of one function. It is
// built by Analyze and read-only afterwards.
type Result struct {
	f *ssa.Function

	blockFrequencies map[*ssa.BasicBlock]float64
	edgeFrequencies  map[cfg.Edge]float64
}

// analysis carries the transient propagation state.
type analysis struct {
	res   *Result
	probs EdgeProbabilities
	info  *branchprob.Info
	nest  *cfg.LoopNest

	notVisited   map[*ssa.BasicBlock]bool
	loopsVisited map[*cfg.Loop]bool

	backEdgeProbabilities map[cfg.Edge]float64
}

// Analyze computes block and edge frequencies for f from its edge
// probabilities. The info and nest must belong to f.
func Analyze(f *ssa.Function, probs EdgeProbabilities, info *branchprob.Info, nest *cfg.LoopNest) *Result {
	a := &analysis{
		res: &Result{
			f:                f,
			blockFrequencies: make(map[*ssa.BasicBlock]float64),
			edgeFrequencies:  make(map[cfg.Edge]float64),
		},
		probs:                 probs,
		info:                  info,
		nest:                  nest,
		notVisited:            make(map[*ssa.BasicBlock]bool),
		loopsVisited:          make(map[*cfg.Loop]bool),
		backEdgeProbabilities: make(map[cfg.Edge]float64),
	}
	if len(f.Blocks) == 0 {
		return a.res
	}

	// Propagate every loop first, innermost loops before the loops
	// enclosing them.
	for _, b := range f.Blocks {
		if a.nest.IsLoopHeader(b) {
			a.propagateLoop(a.nest.LoopFor(b))
		}
	}

	// Propagate from the entry, treating the whole function body as a
	// loop entered exactly once.
	entry := f.Blocks[0]
	a.markReachable(entry)
	a.propagateFreq(entry)

	return a.res
}

// BlockFrequency returns the expected executions of b per invocation
// of its function, or 0 if b was not analyzed.
func (r *Result) BlockFrequency(b *ssa.BasicBlock) float64 {
	return r.blockFrequencies[b]
}

// EdgeFrequency returns the expected traversals of the edge from src
// to dst per invocation, or 0 if the edge was not analyzed.
func (r *Result) EdgeFrequency(src, dst *ssa.BasicBlock) float64 {
	return r.edgeFrequencies[cfg.Edge{Src: src, Dst: dst}]
}

// Function returns the function this result describes.
func (r *Result) Function() *ssa.Function { return r.f }

// backEdgeProbability returns the updated probability of a back edge,
// falling back to the branch prediction for edges not yet recorded.
func (a *analysis) backEdgeProbability(e cfg.Edge) float64 {
	if p, ok := a.backEdgeProbabilities[e]; ok {
		return p
	}
	return a.probs.EdgeProbability(e.Src, e.Dst)
}

// markReachable marks all blocks reachable from root as not visited.
func (a *analysis) markReachable(root *ssa.BasicBlock) {
	a.notVisited = make(map[*ssa.BasicBlock]bool)
	stack := []*ssa.BasicBlock{root}
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if a.notVisited[b] {
			continue
		}
		a.notVisited[b] = true
		for _, s := range b.Succs {
			stack = append(stack, s)
		}
	}
}

// propagateLoop propagates frequencies from the innermost loops to the
// outermost ones.
func (a *analysis) propagateLoop(l *cfg.Loop) {
	if a.loopsVisited[l] {
		return
	}
	a.loopsVisited[l] = true
	for _, inner := range l.Children {
		a.propagateLoop(inner)
	}

	// The frequencies computed here are relative to a single entry
	// into the loop header; outer propagations rescale them.
	a.markReachable(l.Header)
	a.propagateFreq(l.Header)
}

// propagateFreq computes block and edge frequencies by propagating
// probabilities from head.
func (a *analysis) propagateFreq(head *ssa.BasicBlock) {
	// An artificial stack avoids recursion; blocks are pushed in
	// reverse so the leftmost successor is processed first, as the
	// recursive formulation would.
	stack := []*ssa.BasicBlock{head}

	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !a.notVisited[b] {
			continue
		}

		a.res.blockFrequencies[b] = 1.0

		if b != head {
			// The block frequency cannot be computed while a
			// non-back-edge predecessor is still unprocessed; the
			// block is revisited when that predecessor is done.
			deferred := false
			for _, p := range b.Preds {
				if a.notVisited[p] && !a.info.IsBackEdge(cfg.Edge{Src: p, Dst: b}) {
					deferred = true
					break
				}
			}
			if deferred {
				continue
			}

			// Sum the incoming edge frequencies. Back edges into a
			// loop header contribute to the cyclic probability
			// instead.
			bfreq := 0.0
			cyclic := 0.0
			loopHead := a.nest.IsLoopHeader(b)
			for _, p := range b.Preds {
				e := cfg.Edge{Src: p, Dst: b}
				if a.info.IsBackEdge(e) && loopHead {
					cyclic += a.backEdgeProbability(e)
				} else {
					bfreq += a.res.edgeFrequencies[e]
				}
			}
			// For loops that seem not to terminate the cyclic
			// probability can reach 1; bound it so the geometric sum
			// stays finite.
			if cyclic > 1.0-epsilon {
				cyclic = 1.0 - epsilon
			}
			a.res.blockFrequencies[b] = bfreq / (1.0 - cyclic)
		}

		delete(a.notVisited, b)

		// Compute the frequencies of all successor edges.
		for _, s := range b.Succs {
			e := cfg.Edge{Src: b, Dst: s}
			efreq := a.probs.EdgeProbability(b, s) * a.res.blockFrequencies[b]
			a.res.edgeFrequencies[e] = efreq

			// A back edge reaching the current head carries the
			// loop's updated iteration probability.
			if s == head {
				a.backEdgeProbabilities[e] = efreq
			}
		}

		// Queue the successors not reached through back edges,
		// rightmost first so source order is preserved.
		for i := len(b.Succs) - 1; i >= 0; i-- {
			s := b.Succs[i]
			if !a.info.IsBackEdge(cfg.Edge{Src: b, Dst: s}) {
				stack = append(stack, s)
			}
		}
	}
}
