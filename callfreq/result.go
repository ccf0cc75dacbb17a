// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package callfreq

import (
	"fmt"

	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/ssa"
)

// This file is the query surface of the analysis. Every accessor
// returns a documented default for entities that were not analyzed
// (functions without bodies, blocks of unreached code), so consumers
// never need to distinguish missing data from zero frequency.

// Root returns the program entry function.
func (r *Result) Root() *ssa.Function { return r.root }

// Functions returns the analyzed functions in deterministic order.
func (r *Result) Functions() []*ssa.Function { return r.fns }

// CallGraph returns the discovered call graph; edges carry their call
// sites.
func (r *Result) CallGraph() *callgraph.Graph { return r.graph }

// EdgeProbability returns the branch probability of the CFG edge from
// src to dst, or 1.0 if the edge was not analyzed.
func (r *Result) EdgeProbability(src, dst *ssa.BasicBlock) float64 {
	if br := r.branch[src.Parent()]; br != nil {
		return br.EdgeProbability(src, dst)
	}
	return 1.0
}

// BlockFrequency returns the expected executions of b per invocation
// of its function, or 0 if b was not analyzed.
func (r *Result) BlockFrequency(b *ssa.BasicBlock) float64 {
	if bf := r.blocks[b.Parent()]; bf != nil {
		return bf.BlockFrequency(b)
	}
	return 0
}

// EdgeFrequency returns the expected traversals of the CFG edge from
// src to dst per invocation of the enclosing function, or 0 if the
// edge was not analyzed. Both blocks must belong to the same function.
func (r *Result) EdgeFrequency(src, dst *ssa.BasicBlock) float64 {
	if src.Parent() != dst.Parent() {
		panic(fmt.Sprintf("callfreq: edge %v -> %v spans functions %s and %s",
			src, dst, src.Parent(), dst.Parent()))
	}
	if bf := r.blocks[src.Parent()]; bf != nil {
		return bf.EdgeFrequency(src, dst)
	}
	return 0
}

// GlobalBlockFrequency returns the expected executions of b during a
// whole program run: its local frequency scaled by the invocation
// frequency of its function.
func (r *Result) GlobalBlockFrequency(b *ssa.BasicBlock) float64 {
	return r.BlockFrequency(b) * r.InvocationFrequency(b.Parent())
}

// LocalCallFrequency returns the expected calls from one invocation of
// caller to callee, or 0 for an absent edge.
func (r *Result) LocalCallFrequency(caller, callee *ssa.Function) float64 {
	return r.lfreqs[CallEdge{Caller: caller, Callee: callee}]
}

// GlobalCallFrequency returns the expected calls from caller to callee
// during a whole program run, or 0 for an absent edge.
func (r *Result) GlobalCallFrequency(caller, callee *ssa.Function) float64 {
	return r.gfreqs[CallEdge{Caller: caller, Callee: callee}]
}

// InvocationFrequency returns the expected invocations of f during a
// whole program run, or 0 if f was never reached.
func (r *Result) InvocationFrequency(f *ssa.Function) float64 {
	return r.cfreqs[f]
}
