// Copyright Heaplens Contributors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package replay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/heaplens/heaplens/analysis/symexec"
	"gopkg.in/yaml.v3"
)

// A Trace is a recorded execution: a flat list of pre-evaluated events the
// engine replays in order.
type Trace struct {
	// TargetOS overrides the configured platform for this trace.
	TargetOS string  `yaml:"target-os"`
	Events   []Event `yaml:"events"`
}

// An Event is one step of a trace. Kind selects the shape; the remaining
// fields are read per kind. Values use a small sval syntax, e.g. "int:8",
// "sym:n", "heap:p", "local:x", "offset:p+4"; see parseSVal.
type Event struct {
	Kind string `yaml:"kind"`
	Pos  string `yaml:"pos"`

	// call / objc / new / delete / block events.
	Name          string          `yaml:"name"`
	Qualified     string          `yaml:"qualified"`
	Operator      string          `yaml:"operator"`
	Args          []string        `yaml:"args"`
	ArgNames      []string        `yaml:"arg-names"`
	Ret           string          `yaml:"ret"`
	RetType       string          `yaml:"ret-type"`
	System        bool            `yaml:"system"`
	Indirect      bool            `yaml:"indirect"`
	ArgsMayEscape bool            `yaml:"args-may-escape"`
	CallbackArg   bool            `yaml:"callback-arg"`
	Selector      []string        `yaml:"selector"`
	Receiver      string          `yaml:"receiver"`
	InitMsg       bool            `yaml:"init-msg"`
	Array         bool            `yaml:"array"`
	Count         string          `yaml:"count"`
	ElemSize      int64           `yaml:"elem-size"`
	Unconsumed    bool            `yaml:"unconsumed"`
	NontrivialCtr bool            `yaml:"nontrivial-ctor"`
	Destructor    bool            `yaml:"destructor"`
	Method        bool            `yaml:"method"`
	User          bool            `yaml:"user"`
	Ownership     []OwnershipSpec `yaml:"ownership"`
	ConstArgs     []int           `yaml:"const-args"`
	Into          string          `yaml:"into"`

	// use events.
	Arg  string `yaml:"arg"`
	Load bool   `yaml:"load"`

	// store events.
	Var string `yaml:"var"`
	Val string `yaml:"val"`

	// assume events.
	Sym     string `yaml:"sym"`
	NonNull bool   `yaml:"non-null"`

	// dead events.
	Syms []string `yaml:"syms"`

	// push-frame events.
	Frame string `yaml:"frame"`
	Class string `yaml:"class"`

	// atomic events.
	Op string `yaml:"op"`
}

// OwnershipSpec is an ownership annotation in trace syntax.
type OwnershipSpec struct {
	Kind   string `yaml:"kind"` // returns, takes, holds
	Module string `yaml:"module"`
	Args   []int  `yaml:"args"`
}

// ParseTrace decodes a yaml trace.
func ParseTrace(data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("could not parse trace: %w", err)
	}
	return &t, nil
}

func parsePos(s string) symexec.Pos {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return symexec.Pos{File: s}
	}
	line, _ := strconv.Atoi(parts[1])
	col := 0
	if len(parts) > 2 {
		col, _ = strconv.Atoi(parts[2])
	}
	return symexec.Pos{File: parts[0], Line: line, Col: col}
}

// namedSymbol returns the symbol registered under name, creating it with the
// given type on first use.
func (e *Engine) namedSymbol(name string, t symexec.Type) *symexec.Symbol {
	if s, ok := e.symsByName[name]; ok {
		return s
	}
	s := e.newSymbol(t)
	e.symsByName[name] = s
	return s
}

// parseSVal interprets the trace value syntax:
//
//	undef | unknown | null | int:N | sym:name | heap:name | loc:name |
//	fnptr:name | offset:name+N | field:name | local:x | param:x |
//	global:x | static:x | alloca:x | label:x | fn:x | block
func (e *Engine) parseSVal(s string) (symexec.SVal, error) {
	if s == "" {
		return symexec.UnknownVal{}, nil
	}
	switch s {
	case "undef":
		return symexec.UndefinedVal{}, nil
	case "unknown":
		return symexec.UnknownVal{}, nil
	case "null":
		return symexec.ConcreteInt{Value: 0}, nil
	case "block":
		return symexec.Loc{Region: &symexec.Region{Kind: symexec.RegionBlockData, Space: symexec.SpaceUnknown}}, nil
	}

	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("unrecognized value %q", s)
	}

	switch kind {
	case "int":
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer value %q: %w", s, err)
		}
		return symexec.ConcreteInt{Value: v}, nil

	case "sym":
		return symexec.SymVal{Sym: e.namedSymbol(rest, symexec.Type{Kind: symexec.TypeInteger})}, nil

	case "heap", "loc":
		sym := e.namedSymbol(rest, symexec.Type{Kind: symexec.TypePointer})
		return symexec.Loc{Region: e.symbolicRegion(sym, symexec.SpaceUnknown)}, nil

	case "fnptr":
		sym := e.namedSymbol(rest, symexec.Type{Kind: symexec.TypeFunctionPointer})
		return symexec.Loc{Region: e.symbolicRegion(sym, symexec.SpaceUnknown)}, nil

	case "offset":
		name, offStr, ok := strings.Cut(rest, "+")
		neg := false
		if !ok {
			name, offStr, ok = strings.Cut(rest, "-")
			neg = true
		}
		if !ok {
			return nil, fmt.Errorf("bad offset value %q", s)
		}
		off, err := strconv.ParseInt(offStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad offset value %q: %w", s, err)
		}
		if neg {
			off = -off
		}
		sym := e.namedSymbol(name, symexec.Type{Kind: symexec.TypePointer})
		base := e.symbolicRegion(sym, symexec.SpaceUnknown)
		return symexec.Loc{Region: &symexec.Region{
			Kind:        symexec.RegionElement,
			Space:       base.Space,
			Super:       base,
			Offset:      off,
			OffsetKnown: true,
		}}, nil

	case "field":
		sym := e.namedSymbol(rest, symexec.Type{Kind: symexec.TypePointer})
		base := e.symbolicRegion(sym, symexec.SpaceUnknown)
		return symexec.Loc{Region: &symexec.Region{
			Kind:  symexec.RegionField,
			Space: base.Space,
			Super: base,
		}}, nil

	case "local":
		return symexec.Loc{Region: e.varRegion(rest, symexec.SpaceStackLocals)}, nil
	case "param":
		return symexec.Loc{Region: e.varRegion(rest, symexec.SpaceStackArgs)}, nil
	case "global":
		return symexec.Loc{Region: e.varRegion(rest, symexec.SpaceGlobals)}, nil
	case "static":
		r := e.varRegion(rest, symexec.SpaceGlobals)
		r.IsStaticLocal = true
		return symexec.Loc{Region: r}, nil
	case "alloca":
		if r, ok := e.varRegions["alloca:"+rest]; ok {
			return symexec.Loc{Region: r}, nil
		}
		r := &symexec.Region{Kind: symexec.RegionAlloca, Space: symexec.SpaceStackLocals, OffsetKnown: true}
		e.varRegions["alloca:"+rest] = r
		return symexec.Loc{Region: r}, nil
	case "label":
		return symexec.GotoLabel{Name: rest}, nil
	case "fn":
		return symexec.Loc{Region: &symexec.Region{
			Kind: symexec.RegionFunctionCode, Space: symexec.SpaceCode, VarName: rest,
		}}, nil
	}
	return nil, fmt.Errorf("unrecognized value %q", s)
}

func (e *Engine) parseSVals(ss []string) ([]symexec.SVal, error) {
	out := make([]symexec.SVal, len(ss))
	for i, s := range ss {
		v, err := e.parseSVal(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseRetType(s string) symexec.Type {
	switch s {
	case "", "ptr":
		return symexec.Type{Kind: symexec.TypePointer}
	case "fnptr":
		return symexec.Type{Kind: symexec.TypeFunctionPointer}
	case "int":
		return symexec.Type{Kind: symexec.TypeInteger}
	case "void":
		return symexec.Type{Kind: symexec.TypeVoid}
	}
	return symexec.Type{Kind: symexec.TypeUnknown}
}

func parseOwnership(specs []OwnershipSpec) []symexec.Ownership {
	var out []symexec.Ownership
	for _, s := range specs {
		var k symexec.OwnershipKind
		switch s.Kind {
		case "returns":
			k = symexec.OwnershipReturns
		case "takes":
			k = symexec.OwnershipTakes
		case "holds":
			k = symexec.OwnershipHolds
		default:
			continue
		}
		module := s.Module
		if module == "" {
			module = "malloc"
		}
		out = append(out, symexec.Ownership{Kind: k, Module: module, Args: s.Args})
	}
	return out
}

func operatorKind(op string) symexec.OperatorKind {
	switch op {
	case "new":
		return symexec.OpNew
	case "new[]":
		return symexec.OpArrayNew
	case "delete":
		return symexec.OpDelete
	case "delete[]":
		return symexec.OpArrayDelete
	}
	return symexec.OpNone
}

// buildCall assembles the CallEvent of a call-shaped trace event.
func (e *Engine) buildCall(ev *Event, kind symexec.CallKind, stmtKind symexec.StmtKind) (*symexec.CallEvent, error) {
	args, err := e.parseSVals(ev.Args)
	if err != nil {
		return nil, err
	}

	spelling := ev.Name
	if spelling == "" && ev.Operator != "" {
		spelling = ev.Operator
	}
	if spelling == "" && len(ev.Selector) > 0 {
		spelling = strings.Join(ev.Selector, ":") + ":"
	}

	stmt := &symexec.Stmt{Kind: stmtKind, Pos: parsePos(ev.Pos), Spelling: spelling}

	var callee *symexec.FuncDecl
	if !ev.Indirect && (ev.Name != "" || ev.Operator != "") {
		callee = &symexec.FuncDecl{
			Name:           ev.Name,
			QualifiedName:  ev.Qualified,
			InSystemHeader: ev.System,
			Operator:       operatorKind(ev.Operator),
			Ownership:      parseOwnership(ev.Ownership),
		}
		if callee.Operator != symexec.OpNone && callee.Name == "" {
			callee.Name = "operator " + ev.Operator
			stmt.Spelling = "operator " + ev.Operator
		}
	}

	call := &symexec.CallEvent{
		Kind:                  kind,
		Stmt:                  stmt,
		Callee:                callee,
		Args:                  args,
		ArgNames:              ev.ArgNames,
		RetType:               parseRetType(ev.RetType),
		InSystemHeader:        ev.System,
		ArgsMayEscape:         ev.ArgsMayEscape,
		HasCallbackArg:        ev.CallbackArg,
		Selector:              ev.Selector,
		IsInit:                ev.InitMsg,
		ArrayForm:             ev.Array,
		ElementSize:           ev.ElemSize,
		ConsumedResult:        !ev.Unconsumed,
		NonTrivialConstructor: ev.NontrivialCtr,
	}

	if ev.Receiver != "" {
		recv, err := e.parseSVal(ev.Receiver)
		if err != nil {
			return nil, err
		}
		call.Receiver = recv
	}

	if ev.Count != "" {
		count, err := e.parseSVal(ev.Count)
		if err != nil {
			return nil, err
		}
		call.ElementCount = count
	}

	if ev.Ret != "" {
		ret, err := e.parseSVal(ev.Ret)
		if err != nil {
			return nil, err
		}
		call.Ret = ret
		if loc, ok := ret.(symexec.Loc); ok {
			// Pin the conjured result so the checker sees the declared
			// symbol.
			e.bld.declareConjured(stmt, 0, loc)
		}
	} else {
		call.Ret = symexec.UnknownVal{}
	}

	return call, nil
}

func constArgSet(idxs []int) map[int]bool {
	if len(idxs) == 0 {
		return nil
	}
	m := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		m[i] = true
	}
	return m
}

// Run replays the whole trace. Event errors abort the replay.
func (e *Engine) Run(t *Trace) error {
	if t.TargetOS != "" {
		e.targetOS = symexec.ParseOS(t.TargetOS)
	}

	for i := range t.Events {
		ev := &t.Events[i]
		if err := e.step(ev); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, ev.Kind, err)
		}
	}
	return nil
}

func (e *Engine) step(ev *Event) error {
	switch ev.Kind {
	case "call", "objc", "destructor-call", "method-call":
		kind := symexec.CallFunction
		stmtKind := symexec.StmtCall
		switch {
		case ev.Kind == "objc" || len(ev.Selector) > 0:
			kind = symexec.CallObjCMessage
			stmtKind = symexec.StmtObjCMessage
		case ev.Kind == "destructor-call" || ev.Destructor:
			kind = symexec.CallDestructor
		case ev.Kind == "method-call" || ev.Method:
			kind = symexec.CallInstanceMethod
		}
		call, err := e.buildCall(ev, kind, stmtKind)
		if err != nil {
			return err
		}
		e.DoCall(call, constArgSet(ev.ConstArgs))
		if ev.Into != "" {
			e.DoStore(ev.Into, call.Ret, call.Stmt.Pos)
		}
		return nil

	case "new":
		op := ev.Operator
		if op == "" {
			op = "new"
			if ev.Array {
				op = "new[]"
			}
		}
		ev.Operator = op
		// new/delete are standard unless the trace marks them user-defined.
		ev.System = !ev.User
		call, err := e.buildCall(ev, symexec.CallNew, symexec.StmtNew)
		if err != nil {
			return err
		}
		call.Stmt.Spelling = op
		e.DoNew(call)
		if ev.Into != "" {
			e.DoStore(ev.Into, call.Ret, call.Stmt.Pos)
		}
		return nil

	case "delete":
		op := ev.Operator
		if op == "" {
			op = "delete"
			if ev.Array {
				op = "delete[]"
			}
		}
		ev.Operator = op
		ev.System = !ev.User
		call, err := e.buildCall(ev, symexec.CallDelete, symexec.StmtDelete)
		if err != nil {
			return err
		}
		call.Stmt.Spelling = op
		e.DoDelete(call)
		return nil

	case "block":
		call, err := e.buildCall(ev, symexec.CallBlock, symexec.StmtBlock)
		if err != nil {
			return err
		}
		e.DoBlock(call)
		return nil

	case "use":
		v, err := e.parseSVal(ev.Arg)
		if err != nil {
			return err
		}
		stmt := &symexec.Stmt{Kind: symexec.StmtOther, Pos: parsePos(ev.Pos)}
		e.DoUse(v, ev.Load, stmt)
		return nil

	case "store":
		v, err := e.parseSVal(ev.Val)
		if err != nil {
			return err
		}
		e.DoStore(ev.Var, v, parsePos(ev.Pos))
		return nil

	case "assume":
		sym, ok := e.symsByName[ev.Sym]
		if !ok {
			return fmt.Errorf("assume of undeclared symbol %q", ev.Sym)
		}
		e.DoAssume(sym, !ev.NonNull, parsePos(ev.Pos))
		return nil

	case "dead":
		var syms []*symexec.Symbol
		for _, name := range ev.Syms {
			if sym, ok := e.symsByName[name]; ok {
				syms = append(syms, sym)
			}
		}
		e.DoDead(syms, parsePos(ev.Pos))
		return nil

	case "return":
		v, err := e.parseSVal(ev.Arg)
		if err != nil {
			return err
		}
		e.DoReturn(v, parsePos(ev.Pos))
		return nil

	case "end-function":
		v, err := e.parseSVal(ev.Arg)
		if err != nil {
			return err
		}
		e.DoEndFunction(v, parsePos(ev.Pos))
		return nil

	case "push-frame":
		e.PushFrame(ev.Frame, ev.Class)
		return nil

	case "pop-frame":
		e.PopFrame()
		return nil

	case "atomic":
		op := symexec.AtomicFetchAdd
		if ev.Op == "fetch-sub" {
			op = symexec.AtomicFetchSub
		}
		e.DoAtomic(op, parsePos(ev.Pos))
		return nil

	case "inner-alloc":
		if ev.Sym == "" || ev.Var == "" {
			return fmt.Errorf("inner-alloc needs sym and var")
		}
		sym := e.namedSymbol(ev.Sym, symexec.Type{Kind: symexec.TypePointer})
		container := e.varRegion(ev.Var, symexec.SpaceStackLocals)
		method := ev.Name
		if method == "" {
			method = "c_str"
		}
		e.DoInnerAlloc(sym, container, method, parsePos(ev.Pos))
		return nil

	case "inner-free":
		sym, ok := e.symsByName[ev.Sym]
		if !ok {
			return fmt.Errorf("inner-free of undeclared symbol %q", ev.Sym)
		}
		e.DoInnerFree(sym, ev.Name, ev.Destructor, parsePos(ev.Pos))
		return nil
	}
	return fmt.Errorf("unrecognized event kind %q", ev.Kind)
}
