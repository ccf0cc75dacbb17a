// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Estimatecost statically estimates the runtime cost of a Go program.
//
// It loads the named packages, builds their SSA form, runs the
// Wu-Larus static profile estimator (branch prediction, block and edge
// frequencies, inter-procedural call frequencies, optionally the
// points-to resolution of indirect calls), weights every instruction
// by a per-kind cost table, and writes a YAML report to standard
// output.
//
// Usage:
//
//	estimatecost [flags] packages...
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/garozipedro/runtime-estimation/callfreq"
	"github.com/garozipedro/runtime-estimation/cost"
)

var (
	rootFlag        = flag.String("root", callfreq.DefaultRoot, "name of the program entry function")
	usePointsTo     = flag.Bool("use-points-to-analysis", false, "count local frequencies of indirect function calls")
	costKindFlag    = flag.String("prediction-cost-kind", "latency", "comma-separated cost kinds: latency, recipthroughput, codesize, sizeandlatency, one, dynamic")
	granularityFlag = flag.String("granularity", "basicblock", "report granularity: basicblock or function")
	debugFlag       = flag.Int("debug", 0, "debug verbosity")
)

func main() {
	log.SetPrefix("estimatecost: ")
	log.SetFlags(0)
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: estimatecost [flags] packages...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	kinds, err := cost.ParseKinds(*costKindFlag)
	if err != nil {
		log.Fatal(err)
	}
	gran, err := cost.ParseGranularity(*granularityFlag)
	if err != nil {
		log.Fatal(err)
	}

	pkgcfg := &packages.Config{Mode: packages.LoadAllSyntax}
	initial, err := packages.Load(pkgcfg, flag.Args()...)
	if err != nil {
		log.Fatal(err)
	}
	if packages.PrintErrors(initial) > 0 {
		log.Fatal("packages contain errors")
	}

	prog, _ := ssautil.AllPackages(initial, ssa.InstantiateGenerics)
	prog.Build()

	res, err := callfreq.Analyze(prog, &callfreq.Config{
		Root:        *rootFlag,
		UsePointsTo: *usePointsTo,
		Debug:       *debugFlag,
	})
	if err != nil {
		log.Fatal(err)
	}

	report := cost.Compute(res, kinds, gran)
	if err := report.WriteYAML(os.Stdout); err != nil {
		log.Fatal(err)
	}
}
