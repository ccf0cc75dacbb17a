// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package callfreq

import (
	"math"
	"testing"

	"golang.org/x/tools/go/ssa"

	"github.com/garozipedro/runtime-estimation/internal/ssatest"
)

func analyze(t *testing.T, src string, config *Config) (*ssa.Package, *Result) {
	t.Helper()
	pkg := ssatest.BuildPackage(t, src, 0)
	res, err := Analyze(pkg.Prog, config)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return pkg, res
}

func TestTwoCalls(t *testing.T) {
	const src = `package main

func helper() {}

func main() {
	helper()
	helper()
}
`
	pkg, res := analyze(t, src, nil)
	main := ssatest.FuncNamed(t, pkg, "main")
	helper := ssatest.FuncNamed(t, pkg, "helper")

	if got := res.InvocationFrequency(main); got != 1.0 {
		t.Errorf("cfreq(main) = %v, want 1", got)
	}
	if got := res.LocalCallFrequency(main, helper); math.Abs(got-2) > 1e-9 {
		t.Errorf("lfreq(main, helper) = %v, want 2", got)
	}
	if got := res.GlobalCallFrequency(main, helper); math.Abs(got-2) > 1e-9 {
		t.Errorf("gfreq(main, helper) = %v, want 2", got)
	}
	if got := res.InvocationFrequency(helper); math.Abs(got-2) > 1e-9 {
		t.Errorf("cfreq(helper) = %v, want 2", got)
	}
}

func TestDirectRecursion(t *testing.T) {
	const src = `package main

func f(n int) {
	if n > 0 {
		f(n - 1)
	}
}

func main() {
	f(10)
}
`
	pkg, res := analyze(t, src, nil)
	f := ssatest.FuncNamed(t, pkg, "f")
	main := ssatest.FuncNamed(t, pkg, "main")

	lf := res.LocalCallFrequency(f, f)
	if lf <= 0 || lf >= 1 {
		t.Fatalf("lfreq(f, f) = %v, want a branch-limited fraction", lf)
	}
	wantC := 1 / (1 - lf)
	if got := res.InvocationFrequency(f); math.Abs(got-wantC) > 1e-9 {
		t.Errorf("cfreq(f) = %v, want %v", got, wantC)
	}
	if got, want := res.GlobalCallFrequency(f, f), lf*wantC; math.Abs(got-want) > 1e-9 {
		t.Errorf("gfreq(f, f) = %v, want %v", got, want)
	}
	if got := res.GlobalCallFrequency(main, f); math.Abs(got-1) > 1e-9 {
		t.Errorf("gfreq(main, f) = %v, want 1", got)
	}
}

func TestMutualRecursion(t *testing.T) {
	const src = `package main

func ping(n int) {
	if n > 0 {
		pong(n - 1)
	}
}

func pong(n int) {
	if n > 0 {
		ping(n - 1)
	}
}

func main() {
	ping(10)
}
`
	pkg, res := analyze(t, src, nil)
	ping := ssatest.FuncNamed(t, pkg, "ping")
	pong := ssatest.FuncNamed(t, pkg, "pong")

	for _, f := range []*ssa.Function{ping, pong} {
		got := res.InvocationFrequency(f)
		if got <= 0 || math.IsInf(got, 0) || math.IsNaN(got) {
			t.Errorf("cfreq(%s) = %v, want positive and finite", f, got)
		}
	}
	// The propagated edge invariant holds across the cycle.
	want := res.LocalCallFrequency(ping, pong) * res.InvocationFrequency(ping)
	if got := res.GlobalCallFrequency(ping, pong); math.Abs(got-want) > 1e-9 {
		t.Errorf("gfreq(ping, pong) = %v, want %v", got, want)
	}
}

func TestUnreachableFunction(t *testing.T) {
	const src = `package main

func used() {}

func unused() {
	used()
}

func main() {
	used()
}
`
	pkg, res := analyze(t, src, nil)
	unused := ssatest.FuncNamed(t, pkg, "unused")
	used := ssatest.FuncNamed(t, pkg, "used")

	if got := res.InvocationFrequency(unused); got != 0 {
		t.Errorf("cfreq(unused) = %v, want 0", got)
	}
	if got := res.InvocationFrequency(used); math.Abs(got-1) > 1e-9 {
		t.Errorf("cfreq(used) = %v, want 1", got)
	}
}

func TestLoopedCalls(t *testing.T) {
	const src = `package main

func body() {}

func main() {
	for i := 0; i < 10; i++ {
		body()
	}
}
`
	pkg, res := analyze(t, src, nil)
	main := ssatest.FuncNamed(t, pkg, "main")
	body := ssatest.FuncNamed(t, pkg, "body")

	// The call executes once per loop iteration, so its frequency is
	// the loop body's and well above 1.
	lf := res.LocalCallFrequency(main, body)
	if lf <= 1 {
		t.Errorf("lfreq(main, body) = %v, want > 1", lf)
	}
	if got := res.InvocationFrequency(body); math.Abs(got-lf) > 1e-9 {
		t.Errorf("cfreq(body) = %v, want %v", got, lf)
	}
}

func TestGlobalBlockFrequency(t *testing.T) {
	const src = `package main

func twice() {}

func main() {
	twice()
	twice()
}
`
	pkg, res := analyze(t, src, nil)
	twice := ssatest.FuncNamed(t, pkg, "twice")

	for _, f := range []*ssa.Function{twice} {
		for _, b := range f.Blocks {
			want := res.BlockFrequency(b) * res.InvocationFrequency(f)
			if got := res.GlobalBlockFrequency(b); math.Abs(got-want) > 1e-9 {
				t.Errorf("globalfreq(%s) = %v, want %v", b, got, want)
			}
		}
	}
	if got := res.GlobalBlockFrequency(twice.Blocks[0]); math.Abs(got-2) > 1e-9 {
		t.Errorf("globalfreq(entry of twice) = %v, want 2", got)
	}
}

func TestRootEntryInvariants(t *testing.T) {
	const src = `package main

func leaf(n int) int {
	if n > 0 {
		return n
	}
	return -n
}

func mid(n int) int {
	s := 0
	for i := 0; i < n; i++ {
		s += leaf(i)
	}
	return s
}

func main() {
	mid(100)
}
`
	_, res := analyze(t, src, nil)
	root := res.Root()

	if got := res.InvocationFrequency(root); got != 1.0 {
		t.Errorf("cfreq(root) = %v, want 1", got)
	}
	if got := res.BlockFrequency(root.Blocks[0]); got != 1.0 {
		t.Errorf("blockfreq(root entry) = %v, want 1", got)
	}

	// Every analyzed edge keeps gfreq = lfreq * cfreq.
	for _, f := range res.Functions() {
		for _, g := range res.reachable[f] {
			want := res.LocalCallFrequency(f, g) * res.InvocationFrequency(f)
			if got := res.GlobalCallFrequency(f, g); math.Abs(got-want) > 1e-9 {
				t.Errorf("gfreq(%s, %s) = %v, want %v", f, g, got, want)
			}
		}
	}
}

func TestMissingRoot(t *testing.T) {
	pkg := ssatest.BuildPackage(t, `package p

func helper() {}
`, 0)
	if _, err := Analyze(pkg.Prog, nil); err == nil {
		t.Fatalf("expected an error for a program without main")
	}
	if _, err := Analyze(pkg.Prog, &Config{Root: "helper"}); err != nil {
		t.Errorf("named root lookup failed: %v", err)
	}
}

func TestExternalCalleeIsSink(t *testing.T) {
	const src = `package main

import "fmt"

func main() {
	fmt.Println("hi")
}
`
	pkg, res := analyze(t, src, nil)
	main := ssatest.FuncNamed(t, pkg, "main")

	var println *ssa.Function
	for _, g := range res.reachable[main] {
		if g.Name() == "Println" {
			println = g
		}
	}
	if println == nil {
		t.Fatalf("call to fmt.Println not discovered")
	}
	if len(println.Blocks) != 0 {
		t.Fatalf("expected an external body for fmt.Println")
	}
	// The external function participates only as a terminal sink.
	if got := res.InvocationFrequency(println); math.Abs(got-1) > 1e-9 {
		t.Errorf("cfreq(fmt.Println) = %v, want 1", got)
	}
	if got := res.BlockFrequency(main.Blocks[0]); got != 1.0 {
		t.Errorf("blockfreq(main entry) = %v, want 1", got)
	}
}

func TestDeterministicOrder(t *testing.T) {
	const src = `package main

func a() {}
func b() { a() }
func c() { b(); a() }

func main() { c() }
`
	pkg := ssatest.BuildPackage(t, src, 0)
	first, err := Analyze(pkg.Prog, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Analyze(pkg.Prog, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Functions()) != len(second.Functions()) {
		t.Fatalf("function universes differ: %d vs %d", len(first.Functions()), len(second.Functions()))
	}
	for i := range first.Functions() {
		if first.Functions()[i] != second.Functions()[i] {
			t.Errorf("function order differs at %d: %s vs %s",
				i, first.Functions()[i], second.Functions()[i])
		}
	}
	for _, f := range first.Functions() {
		if got, want := second.InvocationFrequency(f), first.InvocationFrequency(f); got != want {
			t.Errorf("cfreq(%s) differs between runs: %v vs %v", f, got, want)
		}
	}
}
