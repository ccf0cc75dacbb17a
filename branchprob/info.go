// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package branchprob assigns a probability to every CFG edge of a
// function by combining static branch-prediction heuristics under
// Dempster-Shafer evidence combination (Wu & Larus, 1994).
package branchprob

import (
	"golang.org/x/tools/go/ssa"

	"github.com/garozipedro/runtime-estimation/cfg"
)

// exitCalls names functions that terminate the process; a block
// calling one of these never transfers control to its successors.
var exitCalls = map[string]bool{
	"os.Exit":        true,
	"runtime.Goexit": true,
	"log.Fatal":      true,
	"log.Fatalf":     true,
	"log.Fatalln":    true,
}

// Info holds the per-function facts the heuristics consult: the back
// and exit edge sets, and which blocks contain calls, stores, or calls
// that never return.
type Info struct {
	f    *ssa.Function
	nest *cfg.LoopNest
	pdom *cfg.PostDomTree

	backEdges     map[cfg.Edge]bool
	exitEdges     map[cfg.Edge]bool
	backEdgeCount []int // per block index: successor edges that are back edges

	hasCall   []bool
	hasStore  []bool
	callsExit []bool
}

// BuildInfo computes branch-prediction facts for f. The loop nest and
// post-dominator tree must belong to f.
func BuildInfo(f *ssa.Function, nest *cfg.LoopNest, pdom *cfg.PostDomTree) *Info {
	info := &Info{
		f:             f,
		nest:          nest,
		pdom:          pdom,
		backEdges:     make(map[cfg.Edge]bool),
		exitEdges:     make(map[cfg.Edge]bool),
		backEdgeCount: make([]int, len(f.Blocks)),
		hasCall:       make([]bool, len(f.Blocks)),
		hasStore:      make([]bool, len(f.Blocks)),
		callsExit:     make([]bool, len(f.Blocks)),
	}
	info.findBackAndExitEdges()
	info.findCallsAndStores()
	return info
}

// findBackAndExitEdges records back edges (the target dominates the
// source) and exit edges (the target is outside a loop containing the
// source).
func (info *Info) findBackAndExitEdges() {
	for _, b := range info.f.Blocks {
		for _, s := range b.Succs {
			e := cfg.Edge{Src: b, Dst: s}
			if s.Dominates(b) {
				if !info.backEdges[e] {
					info.backEdges[e] = true
					info.backEdgeCount[b.Index]++
				}
			}
			for l := info.nest.LoopFor(b); l != nil; l = l.Outer {
				if !info.nest.Contains(l, s) {
					info.exitEdges[e] = true
					break
				}
			}
		}
	}
}

// findCallsAndStores records which blocks contain a non-builtin call,
// a store, or a call to a process-terminating function.
func (info *Info) findCallsAndStores() {
	for _, b := range info.f.Blocks {
		for _, instr := range b.Instrs {
			switch v := instr.(type) {
			case *ssa.Store:
				info.hasStore[b.Index] = true
			case ssa.CallInstruction:
				common := v.Common()
				if _, ok := common.Value.(*ssa.Builtin); ok {
					continue
				}
				info.hasCall[b.Index] = true
				if callee := common.StaticCallee(); callee != nil {
					if exitCalls[callee.String()] {
						info.callsExit[b.Index] = true
					}
				}
			}
		}
	}
}

// IsBackEdge reports whether e is a back edge of the CFG.
func (info *Info) IsBackEdge(e cfg.Edge) bool { return info.backEdges[e] }

// IsExitEdge reports whether e leaves a loop containing its source.
func (info *Info) IsExitEdge(e cfg.Edge) bool { return info.exitEdges[e] }

// CountBackEdges returns how many successor edges of b are back edges.
func (info *Info) CountBackEdges(b *ssa.BasicBlock) int {
	return info.backEdgeCount[b.Index]
}

// HasCall reports whether b contains a non-builtin call.
func (info *Info) HasCall(b *ssa.BasicBlock) bool { return info.hasCall[b.Index] }

// HasStore reports whether b contains a store.
func (info *Info) HasStore(b *ssa.BasicBlock) bool { return info.hasStore[b.Index] }

// CallsExit reports whether b calls a process-terminating function.
func (info *Info) CallsExit(b *ssa.BasicBlock) bool { return info.callsExit[b.Index] }

// LoopNest returns the loop nest info was built with.
func (info *Info) LoopNest() *cfg.LoopNest { return info.nest }

// PostDomTree returns the post-dominator tree info was built with.
func (info *Info) PostDomTree() *cfg.PostDomTree { return info.pdom }
