// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cost turns the estimated frequencies into a program cost
// report: every instruction is charged a per-kind cost, weighted by
// the global frequency of its block, and summed per function.
package cost

import (
	"fmt"
	"go/token"
	"io"
	"strings"

	"golang.org/x/tools/go/ssa"
	"gopkg.in/yaml.v3"

	"github.com/garozipedro/runtime-estimation/callfreq"
)

// A Kind selects the per-instruction cost table.
type Kind int

const (
	Latency Kind = iota
	RecipThroughput
	CodeSize
	SizeAndLatency
	One
	Dynamic

	numKinds
)

var kindNames = [numKinds]string{
	Latency:         "latency",
	RecipThroughput: "recipthroughput",
	CodeSize:        "codesize",
	SizeAndLatency:  "sizeandlatency",
	One:             "one",
	Dynamic:         "dynamic",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Title returns the capitalized kind name used in reports.
func (k Kind) Title() string {
	s := k.String()
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParseKinds parses a comma-separated list of cost kind names.
func ParseKinds(s string) ([]Kind, error) {
	var kinds []Kind
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := false
		for k := Kind(0); k < numKinds; k++ {
			if kindNames[k] == name {
				kinds = append(kinds, k)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("cost: unrecognized cost kind %q", name)
		}
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("cost: no cost kind selected")
	}
	return kinds, nil
}

// Granularity selects how the report is aggregated. The analysis
// always computes at block granularity; function granularity is a
// presentation choice.
type Granularity int

const (
	BasicBlockGranularity Granularity = iota
	FunctionGranularity
)

func (g Granularity) String() string {
	if g == FunctionGranularity {
		return "function"
	}
	return "basicblock"
}

// ParseGranularity parses a granularity name.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "basicblock":
		return BasicBlockGranularity, nil
	case "function":
		return FunctionGranularity, nil
	}
	return 0, fmt.Errorf("cost: unrecognized granularity %q", s)
}

// instructionCost charges one instruction under kind k. The tables are
// a coarse static model: memory traffic, allocation and calls dominate
// latency; code size is near uniform; phis are free in every table
// since they emit no code. Kind one charges every instruction,
// phis included.
func instructionCost(instr ssa.Instruction, k Kind) float64 {
	switch k {
	case One:
		return 1
	case Dynamic:
		// Reserved for measured costs.
		return 0
	case CodeSize:
		switch instr.(type) {
		case *ssa.Phi, *ssa.DebugRef:
			return 0
		}
		return 1
	case SizeAndLatency:
		return instructionCost(instr, CodeSize) + instructionCost(instr, Latency)
	case RecipThroughput:
		// Pipelined units retire most operations faster than their
		// latency.
		return instructionCost(instr, Latency) / 2
	}

	switch v := instr.(type) {
	case *ssa.Phi, *ssa.DebugRef:
		return 0
	case *ssa.BinOp:
		switch v.Op {
		case token.MUL:
			return 3
		case token.QUO, token.REM:
			return 20
		}
		return 1
	case *ssa.UnOp:
		switch v.Op {
		case token.MUL: // load
			return 4
		case token.ARROW: // channel receive
			return 50
		}
		return 1
	case *ssa.Store:
		return 4
	case *ssa.Alloc:
		if v.Heap {
			return 20
		}
		return 2
	case *ssa.Call, *ssa.Defer:
		return 10
	case *ssa.Go:
		return 100
	case *ssa.MakeClosure, *ssa.MakeSlice, *ssa.MakeMap, *ssa.MakeChan, *ssa.MakeInterface:
		return 20
	case *ssa.Send, *ssa.Select:
		return 50
	case *ssa.Lookup, *ssa.MapUpdate:
		return 10
	case *ssa.TypeAssert, *ssa.ChangeInterface:
		return 3
	case *ssa.Range, *ssa.Next:
		return 5
	case *ssa.Panic:
		return 50
	}
	return 1
}

// A FunctionCost is the estimated cost of one function under one cost
// kind.
type FunctionCost struct {
	Name string  `yaml:"name"`
	Cost float64 `yaml:"cost"`
}

// An OptionCost groups the per-function costs of one cost kind.
type OptionCost struct {
	Name      string         `yaml:"name"`
	Functions []FunctionCost `yaml:"functions"`
	TotalCost float64        `yaml:"totalcost"`
}

// A Report is the cost estimate of a whole program.
type Report struct {
	Granularity string       `yaml:"granularity"`
	Options     []OptionCost `yaml:"costoptions"`
}

// Compute estimates the program cost under each requested kind: the
// cost of every instruction times the global frequency of its block,
// accumulated per function.
func Compute(res *callfreq.Result, kinds []Kind, gran Granularity) *Report {
	rep := &Report{Granularity: gran.String()}
	for _, k := range kinds {
		opt := OptionCost{Name: k.Title()}
		for _, f := range res.Functions() {
			if len(f.Blocks) == 0 {
				continue
			}
			total := 0.0
			for _, b := range f.Blocks {
				freq := res.GlobalBlockFrequency(b)
				if freq == 0 {
					continue
				}
				for _, instr := range b.Instrs {
					total += instructionCost(instr, k) * freq
				}
			}
			opt.Functions = append(opt.Functions, FunctionCost{Name: f.String(), Cost: total})
			opt.TotalCost += total
		}
		rep.Options = append(rep.Options, opt)
	}
	return rep
}

// WriteYAML emits the report as a YAML document.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}
