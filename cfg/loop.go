// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfg

import (
	"fmt"

	"golang.org/x/tools/go/ssa"
)

// A Loop is a natural (reducible) loop discovered in a function's CFG.
type Loop struct {
	Header *ssa.BasicBlock // the header node of this (reducible) loop
	Outer  *Loop           // loop containing this loop

	Children []*Loop // loops nested directly within this loop
	Depth    int     // nesting depth; 1 is outermost

	// IsInner is true if the loop was never discovered to contain
	// another loop.
	IsInner bool
}

func (l *Loop) String() string {
	return fmt.Sprintf("hdr:%s", l.Header)
}

// WithinOrEq reports whether l is ll or is nested (transitively)
// within ll. A nil ll means the whole function.
func (l *Loop) WithinOrEq(ll *Loop) bool {
	if ll == nil {
		return true
	}
	for ; l != nil; l = l.Outer {
		if l == ll {
			return true
		}
	}
	return false
}

// nearestOuterLoop returns the outer loop of l most nearly containing
// block b; the header must dominate b. l itself is assumed to not be
// that loop.
func (l *Loop) nearestOuterLoop(b *ssa.BasicBlock) *Loop {
	var o *Loop
	for o = l.Outer; o != nil && !o.Header.Dominates(b); o = o.Outer {
	}
	return o
}

// A LoopNest is the set of loops of one function together with the
// innermost-loop membership of every block.
type LoopNest struct {
	f     *ssa.Function
	b2l   []*Loop // block index -> innermost containing loop
	loops []*Loop

	// HasIrreducible is true if an irreducible region was detected;
	// its blocks belong to no loop.
	HasIrreducible bool
}

// isAncestor reports whether a strictly dominates b.
func isAncestor(a, b *ssa.BasicBlock) bool {
	return a != b && a.Dominates(b)
}

// outerinner records that outer contains inner.
func outerinner(outer, inner *Loop) {
	// There could be other outer loops found in some random order,
	// locate the new outer loop appropriately among them.
	//
	// Outer loop headers dominate inner loop headers. Use this to put
	// the "new" "outer" loop in the right place.
	oldouter := inner.Outer
	for oldouter != nil && isAncestor(outer.Header, oldouter.Header) {
		inner = oldouter
		oldouter = inner.Outer
	}
	if outer == oldouter {
		return
	}
	if oldouter != nil {
		outerinner(oldouter, outer)
	}

	inner.Outer = outer
	outer.IsInner = false
}

// FindLoops computes the reducible loop nest of f.
//
// Discovery walks the blocks in postorder: a successor that dominates
// the block is a loop header, and the nesting among headers follows
// from the dominator tree.
func FindLoops(f *ssa.Function) *LoopNest {
	po := Postorder(f)
	b2l := make([]*Loop, len(f.Blocks))
	loops := make([]*Loop, 0)
	visited := make([]bool, len(f.Blocks))
	sawIrred := false

	for _, b := range po {
		var innermost *Loop // innermost header reachable from this block

		// IF any successor s of b is in a loop headed by h
		// AND h dominates b
		// THEN b is in the loop headed by h.
		//
		// Choose the first/innermost such h.
		//
		// IF s itself dominates b, then s is a loop header;
		// and there may be more than one such s.
		for _, bb := range b.Succs {
			l := b2l[bb.Index]
			if bb.Dominates(b) { // found a loop header
				if l == nil {
					l = &Loop{Header: bb, IsInner: true}
					loops = append(loops, l)
					b2l[bb.Index] = l
				}
			} else if !visited[bb.Index] { // found an irreducible loop
				sawIrred = true
			} else if l != nil {
				// Is there any loop containing our successor whose
				// header dominates b?
				if !l.Header.Dominates(b) {
					l = l.nearestOuterLoop(b)
				}
			}

			if l == nil || innermost == l {
				continue
			}
			if innermost == nil {
				innermost = l
				continue
			}
			if isAncestor(innermost.Header, l.Header) {
				outerinner(innermost, l)
				innermost = l
			} else if isAncestor(l.Header, innermost.Header) {
				outerinner(l, innermost)
			}
		}

		if innermost != nil {
			b2l[b.Index] = innermost
		}
		visited[b.Index] = true
	}

	ln := &LoopNest{f: f, b2l: b2l, loops: loops, HasIrreducible: sawIrred}

	// Assemble children and nesting depths.
	for _, l := range loops {
		if l.Outer != nil {
			l.Outer.Children = append(l.Outer.Children, l)
		}
	}
	for _, l := range loops {
		if l.Outer == nil {
			l.setDepth(1)
		}
	}
	return ln
}

func (l *Loop) setDepth(d int) {
	l.Depth = d
	for _, c := range l.Children {
		c.setDepth(d + 1)
	}
}

// Loops returns all loops of the nest, in discovery order.
func (ln *LoopNest) Loops() []*Loop { return ln.loops }

// LoopFor returns the innermost loop containing b, or nil.
func (ln *LoopNest) LoopFor(b *ssa.BasicBlock) *Loop {
	return ln.b2l[b.Index]
}

// IsLoopHeader reports whether b heads a loop of the nest.
func (ln *LoopNest) IsLoopHeader(b *ssa.BasicBlock) bool {
	l := ln.b2l[b.Index]
	return l != nil && l.Header == b
}

// Contains reports whether block b belongs to loop l or to one of its
// nested loops.
func (ln *LoopNest) Contains(l *Loop, b *ssa.BasicBlock) bool {
	bl := ln.b2l[b.Index]
	return bl != nil && bl.WithinOrEq(l)
}

// DepthOf returns the loop nesting level of block b; 0 means b is in
// no loop.
func (ln *LoopNest) DepthOf(b *ssa.BasicBlock) int {
	if l := ln.b2l[b.Index]; l != nil {
		return l.Depth
	}
	return 0
}
