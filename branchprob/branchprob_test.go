// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package branchprob

import (
	"math"
	"testing"

	"golang.org/x/tools/go/ssa"

	"github.com/garozipedro/runtime-estimation/cfg"
	"github.com/garozipedro/runtime-estimation/internal/ssatest"
)

func analyzeFunc(t *testing.T, pkg *ssa.Package, name string) (*ssa.Function, *Result) {
	t.Helper()
	f := ssatest.FuncNamed(t, pkg, name)
	nest := cfg.FindLoops(f)
	pdom := cfg.PostDominators(f)
	return f, Analyze(f, nest, pdom)
}

// combine folds taken/not-taken pairs into a probability pair with the
// same Dempster-Shafer update the analysis uses.
func combine(pairs ...[2]float64) (float64, float64) {
	pt, pf := 0.5, 0.5
	for _, p := range pairs {
		d := pt*p[0] + pf*p[1]
		pt, pf = pt*p[0]/d, pf*p[1]/d
	}
	return pt, pf
}

const probSrc = `package p

import "os"

func nilcheck(p *int) int {
	if p == nil {
		return 0
	}
	return 1
}

func zerocheck(n int) int {
	if n == 0 {
		return 1
	}
	return 2
}

func count(n int) int {
	s := 0
	for i := 0; i < n; i++ {
		s += i
	}
	return s
}

func diamond(a, b int) int {
	var x int
	if a > b {
		x = a
	} else {
		x = b
	}
	return x
}

func fatal(c bool) {
	if c {
		os.Exit(1)
	}
	println("alive")
}

func spin() {
	for {
	}
}
`

func TestPointerHeuristic(t *testing.T) {
	pkg := ssatest.BuildPackage(t, probSrc, 0)
	f, r := analyzeFunc(t, pkg, "nilcheck")

	entry := f.Blocks[0]
	// p == nil predicts the comparison false: the nil arm is the
	// not-taken successor.
	wantTrue := 0.40
	wantFalse := 0.60
	if got := r.EdgeProbability(entry, entry.Succs[0]); math.Abs(got-wantTrue) > 1e-9 {
		t.Errorf("prob(entry, nil arm) = %v, want %v", got, wantTrue)
	}
	if got := r.EdgeProbability(entry, entry.Succs[1]); math.Abs(got-wantFalse) > 1e-9 {
		t.Errorf("prob(entry, non-nil arm) = %v, want %v", got, wantFalse)
	}
}

func TestOpcodeHeuristic(t *testing.T) {
	pkg := ssatest.BuildPackage(t, probSrc, 0)
	f, r := analyzeFunc(t, pkg, "zerocheck")

	entry := f.Blocks[0]
	// n == 0 predicts the comparison false.
	if got := r.EdgeProbability(entry, entry.Succs[0]); math.Abs(got-0.16) > 1e-9 {
		t.Errorf("prob(entry, zero arm) = %v, want 0.16", got)
	}
	if got := r.EdgeProbability(entry, entry.Succs[1]); math.Abs(got-0.84) > 1e-9 {
		t.Errorf("prob(entry, nonzero arm) = %v, want 0.84", got)
	}
}

func TestLoopHeaderBranch(t *testing.T) {
	pkg := ssatest.BuildPackage(t, probSrc, 0)
	f, r := analyzeFunc(t, pkg, "count")

	header := ssatest.BlockWithComment(t, f, "for.loop")
	body := ssatest.BlockWithComment(t, f, "for.body")
	done := ssatest.BlockWithComment(t, f, "for.done")

	// Four heuristics agree on staying in the loop: loop branch
	// (via the exit edge), loop exit, return, and guard.
	wantBody, wantDone := combine(
		[2]float64{0.88, 0.12},
		[2]float64{0.80, 0.20},
		[2]float64{0.72, 0.28},
		[2]float64{0.62, 0.38},
	)
	if got := r.EdgeProbability(header, body); math.Abs(got-wantBody) > 1e-9 {
		t.Errorf("prob(header, body) = %v, want %v", got, wantBody)
	}
	if got := r.EdgeProbability(header, done); math.Abs(got-wantDone) > 1e-9 {
		t.Errorf("prob(header, done) = %v, want %v", got, wantDone)
	}

	// The increment is fused into the body block, which jumps
	// unconditionally back to the header.
	if got := r.EdgeProbability(body, header); got != 1.0 {
		t.Errorf("prob(body, header) = %v, want 1", got)
	}
}

func TestNoHeuristicMatches(t *testing.T) {
	pkg := ssatest.BuildPackage(t, probSrc, 0)
	f, r := analyzeFunc(t, pkg, "diamond")

	// a > b against a non-constant: an even split remains.
	entry := f.Blocks[0]
	for _, s := range entry.Succs {
		if got := r.EdgeProbability(entry, s); math.Abs(got-0.5) > 1e-9 {
			t.Errorf("prob(entry, %s) = %v, want 0.5", s, got)
		}
	}
}

func TestCallsExit(t *testing.T) {
	pkg := ssatest.BuildPackage(t, probSrc, 0)
	f, r := analyzeFunc(t, pkg, "fatal")

	then := ssatest.BlockWithComment(t, f, "if.then")
	if !r.Info().CallsExit(then) {
		t.Fatalf("os.Exit call not detected in %s", then)
	}
	for _, s := range then.Succs {
		if got := r.EdgeProbability(then, s); got != 0 {
			t.Errorf("prob(exit block, %s) = %v, want 0", s, got)
		}
	}
}

func TestSelfLoopUniform(t *testing.T) {
	pkg := ssatest.BuildPackage(t, probSrc, 0)
	f, r := analyzeFunc(t, pkg, "spin")

	// A loop without a condition has no separate loop block: the body
	// block is the header and jumps to itself.
	header := ssatest.BlockWithComment(t, f, "for.body")
	if got := r.EdgeProbability(header, header.Succs[0]); got != 1.0 {
		t.Errorf("prob(self loop) = %v, want 1", got)
	}
}

func TestProbabilitiesSumToOne(t *testing.T) {
	pkg := ssatest.BuildPackage(t, probSrc, 0)
	for _, name := range []string{"nilcheck", "zerocheck", "count", "diamond", "spin"} {
		f, r := analyzeFunc(t, pkg, name)
		for _, b := range f.Blocks {
			if len(b.Succs) == 0 || r.Info().CallsExit(b) {
				continue
			}
			sum := 0.0
			for _, s := range b.Succs {
				sum += r.EdgeProbability(b, s)
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Errorf("%s: block %s: successor probabilities sum to %v", name, b, sum)
			}
		}
	}
}

func TestCombinationIsStable(t *testing.T) {
	pkg := ssatest.BuildPackage(t, probSrc, 0)
	f, _ := analyzeFunc(t, pkg, "diamond")
	entry := f.Blocks[0]
	pred := prediction{taken: entry.Succs[0], notTaken: entry.Succs[1]}

	// Applying the same heuristic twice must equal two successive
	// Dempster-Shafer updates of the prior; the update depends only on
	// the current pair.
	r := &Result{
		f:                 f,
		edgeProbabilities: make(map[cfg.Edge]float64),
	}
	r.edgeProbabilities[cfg.Edge{Src: entry, Dst: entry.Succs[0]}] = 0.5
	r.edgeProbabilities[cfg.Edge{Src: entry, Dst: entry.Succs[1]}] = 0.5
	r.addEdgeProbability(callHeuristic, entry, pred)
	r.addEdgeProbability(callHeuristic, entry, pred)

	wantTaken, wantNotTaken := combine(
		[2]float64{0.78, 0.22},
		[2]float64{0.78, 0.22},
	)
	got := r.edgeProbabilities[cfg.Edge{Src: entry, Dst: entry.Succs[0]}]
	if math.Abs(got-wantTaken) > 1e-9 {
		t.Errorf("double update taken = %v, want %v", got, wantTaken)
	}
	got = r.edgeProbabilities[cfg.Edge{Src: entry, Dst: entry.Succs[1]}]
	if math.Abs(got-wantNotTaken) > 1e-9 {
		t.Errorf("double update not taken = %v, want %v", got, wantNotTaken)
	}
}
