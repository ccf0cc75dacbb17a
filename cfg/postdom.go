// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfg

// This file contains code to compute the post-dominator tree of a
// control-flow graph. The SSA package computes dominators during
// building but not post-dominators, so we run the same iterative
// dataflow construction over the reversed CFG, with a virtual exit
// node joining every block that has no successors.

import "golang.org/x/tools/go/ssa"

// A PostDomTree holds the post-dominator tree of one function.
// Blocks that cannot reach any function exit (for example the body of
// an infinite loop) have no post-dominator and are absent from the
// tree.
type PostDomTree struct {
	f *ssa.Function

	// ipdom maps block index to the index of its immediate
	// post-dominator. The virtual exit is index len(f.Blocks); -1
	// means none (block cannot reach an exit).
	ipdom []int
}

// PostDominators computes the post-dominator tree for f.
func PostDominators(f *ssa.Function) *PostDomTree {
	n := len(f.Blocks)
	exit := n // virtual exit node

	// Successor lists of the reversed CFG: the virtual exit leads to
	// every exit block, and each block leads to its predecessors.
	rsuccs := make([][]int, n+1)
	for _, b := range f.Blocks {
		if len(b.Succs) == 0 {
			rsuccs[exit] = append(rsuccs[exit], b.Index)
		}
		preds := make([]int, len(b.Preds))
		for i, p := range b.Preds {
			preds[i] = p.Index
		}
		rsuccs[b.Index] = preds
	}

	// Postorder walk of the reversed CFG from the virtual exit.
	seen := make([]bool, n+1)
	post := make([]int, 0, n+1)
	type frame struct{ node, index int }
	s := []frame{{exit, 0}}
	seen[exit] = true
	for len(s) > 0 {
		tos := len(s) - 1
		x := &s[tos]
		if i := x.index; i < len(rsuccs[x.node]) {
			x.index++
			w := rsuccs[x.node][i]
			if !seen[w] {
				seen[w] = true
				s = append(s, frame{w, 0})
			}
			continue
		}
		post = append(post, x.node)
		s = s[:tos]
	}

	postnum := make([]int, n+1)
	for i := range postnum {
		postnum[i] = -1
	}
	for i, nd := range post {
		postnum[nd] = i
	}

	ipdom := make([]int, n+1)
	for i := range ipdom {
		ipdom[i] = -1
	}
	// The virtual exit is its own post-dominator during relaxation.
	ipdom[exit] = exit

	// Relaxation over reverse postorder. Predecessors of a node in the
	// reversed CFG are its successors in the original one, plus the
	// virtual exit for blocks without successors.
	for changed := true; changed; {
		changed = false
		for i := len(post) - 2; i >= 0; i-- {
			bi := post[i]
			b := f.Blocks[bi]
			d := -1
			consider := func(p int) {
				if ipdom[p] == -1 {
					return
				}
				if d == -1 {
					d = p
				} else {
					d = intersect(d, p, postnum, ipdom)
				}
			}
			if len(b.Succs) == 0 {
				consider(exit)
			}
			for _, s := range b.Succs {
				consider(s.Index)
			}
			if d != ipdom[bi] {
				ipdom[bi] = d
				changed = true
			}
		}
	}

	return &PostDomTree{f: f, ipdom: ipdom}
}

// intersect finds the closest common post-dominator of both b and c.
// It requires a postorder numbering of all the nodes.
func intersect(b, c int, postnum, ipdom []int) int {
	for b != c {
		if postnum[b] < postnum[c] {
			b = ipdom[b]
		} else {
			c = ipdom[c]
		}
	}
	return b
}

// IPostDom returns the immediate post-dominator of b, or nil if b has
// none (b exits the function directly, or cannot reach an exit).
func (t *PostDomTree) IPostDom(b *ssa.BasicBlock) *ssa.BasicBlock {
	d := t.ipdom[b.Index]
	if d < 0 || d >= len(t.f.Blocks) {
		return nil
	}
	return t.f.Blocks[d]
}

// PostDominates reports whether a post-dominates b. A block
// post-dominates itself.
func (t *PostDomTree) PostDominates(a, b *ssa.BasicBlock) bool {
	x := b.Index
	for {
		if x == a.Index {
			return true
		}
		nx := t.ipdom[x]
		if nx < 0 || nx >= len(t.f.Blocks) || nx == x {
			return false
		}
		x = nx
	}
}
