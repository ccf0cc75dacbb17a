// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package callfreq aggregates per-function block frequencies across
// the call graph, computing how often each function is invoked and how
// often each call edge is traversed during a whole program execution
// (algorithm 3 of Wu & Larus, 1994). Recursion is collapsed through
// the cyclic probability of call-graph back edges, discovered by a
// depth-first walk from the root function.
//
// It drives the whole pipeline: branch prediction and block-frequency
// propagation run per function, indirect call sites optionally resolve
// through the points-to tracer, and the aggregate result exposes every
// frequency the downstream cost models consume.
package callfreq

import (
	"fmt"
	"go/types"
	"sort"

	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/ssa"

	"github.com/garozipedro/runtime-estimation/blockfreq"
	"github.com/garozipedro/runtime-estimation/branchprob"
	"github.com/garozipedro/runtime-estimation/cfg"
	"github.com/garozipedro/runtime-estimation/pointsto"
)

// epsilon bounds cyclic call probabilities away from 1, exactly as in
// the intra-procedural propagation.
const epsilon = 0.000001

// DefaultRoot is the function the propagation starts from when the
// configuration does not name one.
const DefaultRoot = "main"

// Config controls an analysis run.
type Config struct {
	// Root names the program entry point; DefaultRoot if empty.
	Root string

	// UsePointsTo lets indirect call sites contribute local call
	// frequencies through the points-to tracer. When false such sites
	// contribute nothing.
	UsePointsTo bool

	// SumUnreachedFromPreds assigns functions never reached by the
	// propagation the sum of their incoming global call frequencies
	// instead of zero.
	SumUnreachedFromPreds bool

	// Debug enables diagnostic prints; higher is chattier.
	Debug int
}

// A CallEdge identifies all calls from one function to another.
type CallEdge struct {
	Caller, Callee *ssa.Function
}

func (e CallEdge) String() string {
	return fmt.Sprintf("%s -> %s", e.Caller, e.Callee)
}

// Result holds the inter-procedural frequencies of one program. It is
// built by Analyze and read-only afterwards.
type Result struct {
	root   *ssa.Function
	config Config

	fns []*ssa.Function // analyzed functions, deterministic order

	branch map[*ssa.Function]*branchprob.Result
	blocks map[*ssa.Function]*blockfreq.Result

	graph     *callgraph.Graph
	reachable map[*ssa.Function][]*ssa.Function // direct callees, call-site order
	preds     map[*ssa.Function][]*ssa.Function // direct callers, discovery order

	lfreqs       map[CallEdge]float64
	gfreqs       map[CallEdge]float64
	backEdgeProb map[CallEdge]float64
	backEdges    map[CallEdge]bool
	cfreqs       map[*ssa.Function]float64

	visited map[*ssa.Function]bool // transient propagation state
}

// Analyze runs the full estimation pipeline over prog. The root
// function is looked up by name, preferring packages named main.
func Analyze(prog *ssa.Program, config *Config) (*Result, error) {
	cfgv := Config{}
	if config != nil {
		cfgv = *config
	}
	if cfgv.Root == "" {
		cfgv.Root = DefaultRoot
	}

	root := findRoot(prog, cfgv.Root)
	if root == nil {
		return nil, fmt.Errorf("callfreq: no function named %q in program", cfgv.Root)
	}

	r := &Result{
		root:         root,
		config:       cfgv,
		branch:       make(map[*ssa.Function]*branchprob.Result),
		blocks:       make(map[*ssa.Function]*blockfreq.Result),
		reachable:    make(map[*ssa.Function][]*ssa.Function),
		preds:        make(map[*ssa.Function][]*ssa.Function),
		lfreqs:       make(map[CallEdge]float64),
		gfreqs:       make(map[CallEdge]float64),
		backEdgeProb: make(map[CallEdge]float64),
		backEdges:    make(map[CallEdge]bool),
		cfreqs:       make(map[*ssa.Function]float64),
		visited:      make(map[*ssa.Function]bool),
	}

	r.fns = moduleFunctions(prog)

	// Per-function analyses: branch prediction, then block and edge
	// frequencies. Functions without bodies stay absent and default
	// to zero everywhere.
	for _, f := range r.fns {
		if len(f.Blocks) == 0 {
			continue
		}
		nest := cfg.FindLoops(f)
		pdom := cfg.PostDominators(f)
		br := branchprob.Analyze(f, nest, pdom)
		r.branch[f] = br
		r.blocks[f] = blockfreq.Analyze(f, br, br.Info(), nest)
	}

	r.buildCallGraph()
	r.propagate()
	return r, nil
}

// findRoot locates the entry function, preferring packages named main.
func findRoot(prog *ssa.Program, name string) *ssa.Function {
	pkgs := prog.AllPackages()
	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].Pkg.Path() < pkgs[j].Pkg.Path()
	})
	for _, p := range pkgs {
		if p.Pkg.Name() == "main" {
			if f := p.Func(name); f != nil {
				return f
			}
		}
	}
	for _, p := range pkgs {
		if f := p.Func(name); f != nil {
			return f
		}
	}
	return nil
}

// moduleFunctions enumerates the program's source functions in a
// deterministic order: packages by path, members by name, anonymous
// functions and methods after their parents.
func moduleFunctions(prog *ssa.Program) []*ssa.Function {
	var fns []*ssa.Function
	seen := make(map[*ssa.Function]bool)
	var visit func(f *ssa.Function)
	visit = func(f *ssa.Function) {
		if f == nil || seen[f] {
			return
		}
		seen[f] = true
		fns = append(fns, f)
		for _, anon := range f.AnonFuncs {
			visit(anon)
		}
	}

	pkgs := prog.AllPackages()
	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].Pkg.Path() < pkgs[j].Pkg.Path()
	})
	for _, p := range pkgs {
		names := make([]string, 0, len(p.Members))
		for name := range p.Members {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			switch mem := p.Members[name].(type) {
			case *ssa.Function:
				visit(mem)
			case *ssa.Type:
				// Methods of the package's named types.
				mset := prog.MethodSets.MethodSet(types.NewPointer(mem.Type()))
				for i := 0; i < mset.Len(); i++ {
					visit(prog.MethodValue(mset.At(i)))
				}
			}
		}
	}
	return fns
}

// buildCallGraph discovers every call site in deterministic order,
// accumulating local call frequencies and materializing the call graph
// itself. Indirect sites go through the points-to tracer when enabled.
func (r *Result) buildCallGraph() {
	g := callgraph.New(r.root)
	r.graph = g

	for _, f := range r.fns {
		bf := r.blocks[f]
		if bf == nil {
			continue
		}
		caller := g.CreateNode(f)
		for _, b := range f.Blocks {
			for _, instr := range b.Instrs {
				site, ok := instr.(ssa.CallInstruction)
				if !ok {
					continue
				}
				common := site.Common()
				if _, ok := common.Value.(*ssa.Builtin); ok {
					continue
				}
				if callee := common.StaticCallee(); callee != nil {
					r.addCall(caller, site, callee, bf.BlockFrequency(b))
				} else if r.config.UsePointsTo && !common.IsInvoke() {
					for _, tgt := range pointsto.Resolve(site, r, r.config.Debug-1) {
						if r.config.Debug > 0 {
							fmt.Printf("callfreq: traced %v to %s = %v\n", site, tgt.Fn, tgt.Freq)
						}
						r.addCall(caller, site, tgt.Fn, tgt.Freq)
					}
				}
			}
		}
	}

	// Ordered adjacency derived from the graph: Out edges follow call
	// site order, In edges follow caller discovery order.
	for _, f := range r.fns {
		n := g.Nodes[f]
		if n == nil {
			continue
		}
		seenOut := make(map[*ssa.Function]bool)
		for _, e := range n.Out {
			callee := e.Callee.Func
			if !seenOut[callee] {
				seenOut[callee] = true
				r.reachable[f] = append(r.reachable[f], callee)
				r.preds[callee] = append(r.preds[callee], f)
			}
		}
	}

	// Every local frequency seeds the back-edge probability of its
	// edge.
	for e, lf := range r.lfreqs {
		r.backEdgeProb[e] = lf
	}
}

func (r *Result) addCall(caller *callgraph.Node, site ssa.CallInstruction, callee *ssa.Function, freq float64) {
	callgraph.AddEdge(caller, site, r.graph.CreateNode(callee))
	r.lfreqs[CallEdge{Caller: caller.Func, Callee: callee}] += freq
}

// propagate runs the call-frequency propagation: first each cycle of
// the call graph relative to its head, then the whole program from the
// root.
func (r *Result) propagate() {
	// Depth-first walk from the root, following call sites in program
	// order. A callee already on the visit stack closes a cycle: the
	// edge is a back edge and the callee a loop head.
	order := []*ssa.Function{r.root}
	discovered := map[*ssa.Function]bool{r.root: true}
	loopHead := make(map[*ssa.Function]bool)
	var stack []*ssa.Function

	var dfs func(f *ssa.Function)
	dfs = func(f *ssa.Function) {
		stack = append(stack, f)
		for _, callee := range r.reachable[f] {
			if !discovered[callee] {
				discovered[callee] = true
				order = append(order, callee)
				dfs(callee)
				continue
			}
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == callee {
					loopHead[callee] = true
					r.backEdges[CallEdge{Caller: f, Callee: callee}] = true
					if r.config.Debug > 0 {
						fmt.Printf("callfreq: back edge [%s -> %s]\n", f, callee)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
	}
	dfs(r.root)

	// Propagate each cycle in reverse depth-first order, innermost
	// cycles first.
	for i := len(order) - 1; i >= 0; i-- {
		head := order[i]
		if !loopHead[head] {
			continue
		}
		r.markReachable(head)
		r.propagateCallFreq(head, head, false)
	}

	// Final pass from the program entry.
	r.markReachable(r.root)
	r.propagateCallFreq(r.root, r.root, true)

	if r.config.SumUnreachedFromPreds {
		for _, f := range r.fns {
			if _, ok := r.cfreqs[f]; ok {
				continue
			}
			sum := 0.0
			for _, p := range r.preds[f] {
				sum += r.gfreqs[CallEdge{Caller: p, Callee: f}]
			}
			if len(r.preds[f]) > 0 {
				r.cfreqs[f] = sum
			}
		}
	}

	r.visited = nil
}

// markReachable marks the functions transitively callable from head as
// unvisited and every other function as visited.
func (r *Result) markReachable(head *ssa.Function) {
	r.visited = make(map[*ssa.Function]bool)
	for _, f := range r.fns {
		r.visited[f] = true
	}
	for f := range r.graph.Nodes {
		r.visited[f] = true
	}
	stack := []*ssa.Function{head}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !r.visited[f] {
			continue
		}
		r.visited[f] = false
		for i := len(r.reachable[f]) - 1; i >= 0; i-- {
			stack = append(stack, r.reachable[f][i])
		}
	}
}

// propagateCallFreq assigns the invocation frequency of f and the
// global frequency of its outgoing edges, then recurses into callees
// through forward edges. In the final pass back-edge probabilities
// contribute the cyclic correction of recursion.
func (r *Result) propagateCallFreq(f, head *ssa.Function, isFinal bool) {
	if r.visited[f] {
		return
	}
	// Defer until every forward predecessor has been processed.
	for _, p := range r.preds[f] {
		e := CallEdge{Caller: p, Callee: f}
		if !r.visited[p] && !r.backEdges[e] {
			return
		}
	}

	cf := 0.0
	if f == head {
		cf = 1.0
	}
	cyclic := 0.0
	for _, p := range r.preds[f] {
		e := CallEdge{Caller: p, Callee: f}
		switch {
		case isFinal && r.backEdges[e]:
			cyclic += r.backEdgeProb[e]
		case !r.backEdges[e]:
			cf += r.gfreqs[e]
		}
	}
	if cyclic > 1.0-epsilon {
		cyclic = 1.0 - epsilon
	}
	r.cfreqs[f] = cf / (1.0 - cyclic)

	r.visited[f] = true
	for _, g := range r.reachable[f] {
		e := CallEdge{Caller: f, Callee: g}
		r.gfreqs[e] = r.lfreqs[e] * r.cfreqs[f]
		if g == head && !isFinal {
			r.backEdgeProb[e] = r.gfreqs[e]
		}
	}
	for _, g := range r.reachable[f] {
		if !r.backEdges[CallEdge{Caller: f, Callee: g}] {
			r.propagateCallFreq(g, head, isFinal)
		}
	}
}
