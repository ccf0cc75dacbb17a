// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package branchprob

import (
	"fmt"

	"golang.org/x/tools/go/ssa"

	"github.com/garozipedro/runtime-estimation/cfg"
)

// Result holds the edge probabilities of one function. It is built by
// Analyze and read-only afterwards.
type Result struct {
	f    *ssa.Function
	info *Info

	edgeProbabilities map[cfg.Edge]float64
}

// Analyze assigns a probability to every CFG edge of f. The loop nest
// and post-dominator tree must belong to f; they are typically shared
// with the downstream frequency propagation.
func Analyze(f *ssa.Function, nest *cfg.LoopNest, pdom *cfg.PostDomTree) *Result {
	r := &Result{
		f:                 f,
		info:              BuildInfo(f, nest, pdom),
		edgeProbabilities: make(map[cfg.Edge]float64),
	}
	for _, b := range f.Blocks {
		r.calculateBranchProbabilities(b)
	}
	return r
}

// EdgeProbability returns the probability of the edge from src to dst.
// If the edge was not analyzed, 1.0 is returned: a branch with no
// profile is assumed unconditional.
func (r *Result) EdgeProbability(src, dst *ssa.BasicBlock) float64 {
	if p, ok := r.edgeProbabilities[cfg.Edge{Src: src, Dst: dst}]; ok {
		return p
	}
	return 1.0
}

// Info returns the branch-prediction facts computed for the function;
// the frequency propagation consults its back-edge set.
func (r *Result) Info() *Info { return r.info }

// calculateBranchProbabilities implements the algorithm proposed by
// Wu (1994) to calculate the probabilities of all the successors of a
// basic block.
func (r *Result) calculateBranchProbabilities(b *ssa.BasicBlock) {
	succs := b.Succs
	m := len(succs) // total number of successors
	n := r.info.CountBackEdges(b)

	if m == 0 {
		return
	}
	switch {
	case r.info.CallsExit(b):
		// A block that calls exit never reaches its successors.
		for _, s := range succs {
			r.edgeProbabilities[cfg.Edge{Src: b, Dst: s}] = 0.0
		}

	case n > 0 && n < m:
		// Some back edges, but not all. Back edges split the taken
		// probability of the loop-branch heuristic; the remaining
		// edges are treated as loop exits and split the rest.
		bp := branchProbabilities[loopBranchHeuristic]
		for _, s := range succs {
			e := cfg.Edge{Src: b, Dst: s}
			if r.info.IsBackEdge(e) {
				r.edgeProbabilities[e] = bp.taken / float64(n)
			} else {
				r.edgeProbabilities[e] = bp.notTaken / float64(m-n)
			}
		}

	case n > 0 || m != 2:
		// All back edges, or a multiway branch: every successor is
		// equally likely.
		for _, s := range succs {
			r.edgeProbabilities[cfg.Edge{Src: b, Dst: s}] = 1.0 / float64(m)
		}

	default:
		// A two-way branch. Start from an even split and combine
		// every matching heuristic, in fixed order.
		r.edgeProbabilities[cfg.Edge{Src: b, Dst: succs[0]}] = 0.5
		r.edgeProbabilities[cfg.Edge{Src: b, Dst: succs[1]}] = 0.5
		for h := heuristic(0); h < numHeuristics; h++ {
			if pred, ok := r.info.matchHeuristic(h, b); ok {
				r.addEdgeProbability(h, b, pred)
			}
		}
	}
}

// addEdgeProbability combines a matched heuristic with the probability
// already assigned to the branch, using the Dempster-Shafer theory of
// evidence to combine the two predictions.
func (r *Result) addEdgeProbability(h heuristic, b *ssa.BasicBlock, pred prediction) {
	edgeTaken := cfg.Edge{Src: b, Dst: pred.taken}
	edgeNotTaken := cfg.Edge{Src: b, Dst: pred.notTaken}

	probTaken := branchProbabilities[h].taken
	probNotTaken := branchProbabilities[h].notTaken

	oldTaken := r.edgeProbabilities[edgeTaken]
	oldNotTaken := r.edgeProbabilities[edgeNotTaken]

	d := oldTaken*probTaken + oldNotTaken*probNotTaken
	r.edgeProbabilities[edgeTaken] = oldTaken * probTaken / d
	r.edgeProbabilities[edgeNotTaken] = oldNotTaken * probNotTaken / d
}

func (r *Result) String() string {
	return fmt.Sprintf("branchprob(%s)", r.f)
}
