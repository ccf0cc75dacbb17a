// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ssatest builds SSA packages from source strings for tests.
package ssatest

import (
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"testing"

	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// BuildPackage type-checks and builds src as a single-file package.
// The mode is or-ed with sanity checking; pass ssa.NaiveForm to keep
// local variables in memory form.
func BuildPackage(t *testing.T, src string, mode ssa.BuilderMode) *ssa.Package {
	t.Helper()
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "input.go", src, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pkg := types.NewPackage(file.Name.Name, "")
	conf := &types.Config{Importer: importer.Default()}
	spkg, _, err := ssautil.BuildPackage(conf, fset, pkg, []*ast.File{file}, mode|ssa.SanityCheckFunctions)
	if err != nil {
		t.Fatalf("build SSA: %v", err)
	}
	return spkg
}

// FuncNamed returns the named package-level function.
func FuncNamed(t *testing.T, pkg *ssa.Package, name string) *ssa.Function {
	t.Helper()
	f := pkg.Func(name)
	if f == nil {
		t.Fatalf("no function %q in package %s", name, pkg.Pkg.Path())
	}
	return f
}

// BlockWithComment returns the first block of f carrying the given
// builder comment (for example "for.body" or "if.then").
func BlockWithComment(t *testing.T, f *ssa.Function, comment string) *ssa.BasicBlock {
	t.Helper()
	for _, b := range f.Blocks {
		if b.Comment == comment {
			return b
		}
	}
	t.Fatalf("no block %q in %s", comment, f)
	return nil
}
