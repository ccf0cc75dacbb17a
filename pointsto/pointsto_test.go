// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pointsto_test

import (
	"math"
	"testing"

	"golang.org/x/tools/go/ssa"

	"github.com/garozipedro/runtime-estimation/callfreq"
	"github.com/garozipedro/runtime-estimation/internal/ssatest"
)

// The scenarios below run the whole pipeline with indirect-call
// tracing enabled and observe the traced local call frequencies.

func analyze(t *testing.T, src string, mode ssa.BuilderMode) (*ssa.Package, *callfreq.Result) {
	t.Helper()
	pkg := ssatest.BuildPackage(t, src, mode)
	res, err := callfreq.Analyze(pkg.Prog, &callfreq.Config{UsePointsTo: true})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return pkg, res
}

func TestSingleStore(t *testing.T) {
	const src = `package main

func foo() {}

func main() {
	var fp func()
	fp = foo
	fp()
}
`
	pkg, res := analyze(t, src, ssa.NaiveForm)
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")

	if got := res.LocalCallFrequency(main, foo); math.Abs(got-1) > 1e-9 {
		t.Errorf("lfreq(main, foo) = %v, want 1", got)
	}
	if got := res.InvocationFrequency(foo); math.Abs(got-1) > 1e-9 {
		t.Errorf("cfreq(foo) = %v, want 1", got)
	}
}

func TestConditionalOverwrite(t *testing.T) {
	const src = `package main

func foo() {}
func bar() {}
func cond() bool { return true }

func main() {
	fp := foo
	if cond() {
		fp = bar
	}
	fp()
}
`
	pkg, res := analyze(t, src, ssa.NaiveForm)
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")
	bar := ssatest.FuncNamed(t, pkg, "bar")
	then := ssatest.BlockWithComment(t, main, "if.then")

	ffoo := res.LocalCallFrequency(main, foo)
	fbar := res.LocalCallFrequency(main, bar)
	if math.Abs(ffoo+fbar-1) > 1e-9 {
		t.Errorf("lfreq(foo)+lfreq(bar) = %v + %v, want sum 1", ffoo, fbar)
	}
	// bar survives exactly when the overwriting branch was taken.
	if want := res.BlockFrequency(then); math.Abs(fbar-want) > 1e-9 {
		t.Errorf("lfreq(main, bar) = %v, want %v", fbar, want)
	}
	if ffoo <= 0 {
		t.Errorf("lfreq(main, foo) = %v, want positive", ffoo)
	}
}

func TestLoopOverwrite(t *testing.T) {
	const src = `package main

func foo() {}
func bar() {}

func main() {
	fp := foo
	for i := 0; i < 10; i++ {
		fp = bar
	}
	fp()
}
`
	pkg, res := analyze(t, src, ssa.NaiveForm)
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")
	bar := ssatest.FuncNamed(t, pkg, "bar")
	header := ssatest.BlockWithComment(t, main, "for.loop")
	body := ssatest.BlockWithComment(t, main, "for.body")

	ffoo := res.LocalCallFrequency(main, foo)
	fbar := res.LocalCallFrequency(main, bar)
	if math.Abs(ffoo+fbar-1) > 1e-6 {
		t.Errorf("lfreq(foo)+lfreq(bar) = %v + %v, want sum 1", ffoo, fbar)
	}
	// The loop store reaches the call unless the loop never ran: its
	// weight collapses to the probability of entering the body once.
	if want := res.EdgeProbability(header, body); math.Abs(fbar-want) > 1e-6 {
		t.Errorf("lfreq(main, bar) = %v, want %v", fbar, want)
	}
}

func TestPhiIncomings(t *testing.T) {
	const src = `package main

func foo() {}
func bar() {}
func cond() bool { return true }

func main() {
	fp := foo
	if cond() {
		fp = bar
	}
	fp()
}
`
	pkg, res := analyze(t, src, 0) // lifted: the merge is a phi
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")
	bar := ssatest.FuncNamed(t, pkg, "bar")
	then := ssatest.BlockWithComment(t, main, "if.then")
	done := ssatest.BlockWithComment(t, main, "if.done")

	ffoo := res.LocalCallFrequency(main, foo)
	fbar := res.LocalCallFrequency(main, bar)
	if math.Abs(ffoo+fbar-1) > 1e-9 {
		t.Errorf("lfreq(foo)+lfreq(bar) = %v + %v, want sum 1", ffoo, fbar)
	}
	if want := res.EdgeFrequency(then, done); math.Abs(fbar-want) > 1e-9 {
		t.Errorf("lfreq(main, bar) = %v, want edge frequency %v", fbar, want)
	}
}

func TestFunctionReturn(t *testing.T) {
	const src = `package main

func foo() {}

func pick() func() {
	return foo
}

func main() {
	fp := pick()
	fp()
}
`
	pkg, res := analyze(t, src, ssa.NaiveForm)
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")

	if got := res.LocalCallFrequency(main, foo); math.Abs(got-1) > 1e-9 {
		t.Errorf("lfreq(main, foo) = %v, want 1", got)
	}
}

func TestFunctionParam(t *testing.T) {
	const src = `package main

func foo() {}

func set(p *func()) {
	*p = foo
}

func main() {
	var fp func()
	set(&fp)
	fp()
}
`
	pkg, res := analyze(t, src, ssa.NaiveForm)
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")

	if got := res.LocalCallFrequency(main, foo); math.Abs(got-1) > 1e-9 {
		t.Errorf("lfreq(main, foo) = %v, want 1", got)
	}
}

func TestStructField(t *testing.T) {
	const src = `package main

func foo() {}

type callbacks struct {
	f func()
}

func main() {
	var c callbacks
	c.f = foo
	c.f()
}
`
	pkg, res := analyze(t, src, ssa.NaiveForm)
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")

	if got := res.LocalCallFrequency(main, foo); math.Abs(got-1) > 1e-9 {
		t.Errorf("lfreq(main, foo) = %v, want 1", got)
	}
}

func TestNilWriteDropped(t *testing.T) {
	const src = `package main

func foo() {}
func cond() bool { return true }

func main() {
	var fp func()
	fp = nil
	if cond() {
		fp = foo
	}
	fp()
}
`
	pkg, res := analyze(t, src, ssa.NaiveForm)
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")
	then := ssatest.BlockWithComment(t, main, "if.then")

	// The nil write shadows foo on the untaken path but never becomes
	// a callee.
	if got, want := res.LocalCallFrequency(main, foo), res.BlockFrequency(then); math.Abs(got-want) > 1e-9 {
		t.Errorf("lfreq(main, foo) = %v, want %v", got, want)
	}
}

func TestPointsToDisabled(t *testing.T) {
	const src = `package main

func foo() {}

func main() {
	var fp func()
	fp = foo
	fp()
}
`
	pkg := ssatest.BuildPackage(t, src, ssa.NaiveForm)
	res, err := callfreq.Analyze(pkg.Prog, nil) // tracing off by default
	if err != nil {
		t.Fatal(err)
	}
	main := ssatest.FuncNamed(t, pkg, "main")
	foo := ssatest.FuncNamed(t, pkg, "foo")

	if got := res.LocalCallFrequency(main, foo); got != 0 {
		t.Errorf("lfreq(main, foo) = %v, want 0 with tracing disabled", got)
	}
}

func TestOpaqueCalleeResolvesToNothing(t *testing.T) {
	const src = `package main

func run(f func()) {
	f()
}

func main() {
	run(func() {})
}
`
	pkg, res := analyze(t, src, ssa.NaiveForm)
	run := ssatest.FuncNamed(t, pkg, "run")

	// The callee operand of f() inside run is context-dependent; it
	// contributes nothing rather than guessing.
	if n := len(res.CallGraph().Nodes[run].Out); n != 0 {
		t.Errorf("run has %d outgoing edges, want 0", n)
	}
}
