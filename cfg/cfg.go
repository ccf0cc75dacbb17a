// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cfg provides the control-flow scaffolding the frequency
// analyses are built on: a postorder traversal, a post-dominator tree,
// and a reducible loop nest, all computed over x/tools SSA functions.
//
// Dominator information itself comes from the SSA package
// (ssa.BasicBlock.Dominates, Idom); this package supplies what the SSA
// package does not.
package cfg

import (
	"fmt"

	"golang.org/x/tools/go/ssa"
)

// An Edge is an ordered CFG edge. Src and Dst must belong to the same
// function.
type Edge struct {
	Src, Dst *ssa.BasicBlock
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s", e.Src, e.Dst)
}

type blockAndIndex struct {
	b     *ssa.BasicBlock
	index int // number of successor edges of b already explored
}

// Postorder computes a postorder traversal ordering for the basic
// blocks in f. Unreachable blocks will not appear.
func Postorder(f *ssa.Function) []*ssa.BasicBlock {
	if len(f.Blocks) == 0 {
		return nil
	}
	seen := make([]bool, len(f.Blocks))
	order := make([]*ssa.BasicBlock, 0, len(f.Blocks))

	// Stack of blocks and next child to visit.
	s := make([]blockAndIndex, 0, 32)
	s = append(s, blockAndIndex{b: f.Blocks[0]})
	seen[f.Blocks[0].Index] = true
	for len(s) > 0 {
		tos := len(s) - 1
		x := s[tos]
		b := x.b
		if i := x.index; i < len(b.Succs) {
			s[tos].index++
			bb := b.Succs[i]
			if !seen[bb.Index] {
				seen[bb.Index] = true
				s = append(s, blockAndIndex{b: bb})
			}
			continue
		}
		s = s[:tos]
		order = append(order, b)
	}
	return order
}
