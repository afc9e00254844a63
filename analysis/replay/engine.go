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
	"sort"

	"github.com/google/uuid"
	"github.com/heaplens/heaplens/analysis/config"
	"github.com/heaplens/heaplens/analysis/memdiag"
	"github.com/heaplens/heaplens/analysis/symexec"
)

// Engine replays pre-evaluated events through a checker, maintaining the
// exploded graph and the per-path states. One engine replays one trace.
type Engine struct {
	cfg     *config.Config
	log     *config.LogGroup
	checker symexec.Checker
	bld     *builder

	targetOS symexec.TargetOS

	nextSymID  int
	nextNodeID int

	symsByName   map[string]*symexec.Symbol
	regionsBySym map[*symexec.Symbol]*symexec.Region
	varRegions   map[string]*symexec.Region

	nodes []*symexec.ExplodedNode
	curr  *symexec.ExplodedNode
	frame *symexec.Frame

	// deps maps a base symbol to the symbols it keeps alive.
	deps map[*symexec.Symbol][]*symexec.Symbol

	reports    []*symexec.Report
	errorSeen  map[string]bool
	fatalSinks []*symexec.ExplodedNode
}

// NewEngine builds an engine replaying into the given checker.
func NewEngine(cfg *config.Config, log *config.LogGroup, checker symexec.Checker) *Engine {
	e := &Engine{
		cfg:          cfg,
		log:          log,
		checker:      checker,
		targetOS:     symexec.ParseOS(cfg.TargetOS),
		symsByName:   map[string]*symexec.Symbol{},
		regionsBySym: map[*symexec.Symbol]*symexec.Region{},
		varRegions:   map[string]*symexec.Region{},
		deps:         map[*symexec.Symbol][]*symexec.Symbol{},
		errorSeen:    map[string]bool{},
	}
	e.bld = newBuilder(e)
	e.frame = &symexec.Frame{FuncName: "main"}
	root := e.newNode(newState(), nil, nil, symexec.Pos{}, "")
	e.curr = root
	return e
}

func (e *Engine) newSymbol(t symexec.Type) *symexec.Symbol {
	e.nextSymID++
	return &symexec.Symbol{ID: e.nextSymID, Type: t}
}

// symbolicRegion returns the canonical region of a symbol.
func (e *Engine) symbolicRegion(sym *symexec.Symbol, space symexec.MemSpace) *symexec.Region {
	if r, ok := e.regionsBySym[sym]; ok {
		return r
	}
	r := &symexec.Region{
		Kind:        symexec.RegionSymbolic,
		Space:       space,
		Sym:         sym,
		Offset:      0,
		OffsetKnown: true,
	}
	e.regionsBySym[sym] = r
	return r
}

func (e *Engine) varRegion(name string, space symexec.MemSpace) *symexec.Region {
	if r, ok := e.varRegions[name]; ok {
		return r
	}
	r := &symexec.Region{
		Kind:        symexec.RegionVar,
		Space:       space,
		VarName:     name,
		Frame:       e.frame,
		Offset:      0,
		OffsetKnown: true,
	}
	e.varRegions[name] = r
	return r
}

func (e *Engine) newNode(st symexec.State, pred *symexec.ExplodedNode, stmt *symexec.Stmt,
	pos symexec.Pos, tag string) *symexec.ExplodedNode {
	e.nextNodeID++
	if stmt != nil && !pos.IsValid() {
		pos = stmt.Pos
	}
	n := &symexec.ExplodedNode{
		ID:    e.nextNodeID,
		State: st,
		Pred:  pred,
		Stmt:  stmt,
		Frame: e.frame,
		Pos:   pos,
		Tag:   tag,
	}
	e.nodes = append(e.nodes, n)
	return n
}

// AddSymbolDependency keeps dependent alive for as long as base lives.
func (e *Engine) AddSymbolDependency(base, dependent *symexec.Symbol) {
	e.deps[base] = append(e.deps[base], dependent)
}

// ctx is the per-callback symexec.CheckerContext.
type ctx struct {
	eng   *Engine
	pred  *symexec.ExplodedNode
	stmt  *symexec.Stmt
	added []*symexec.ExplodedNode
}

var _ symexec.CheckerContext = (*ctx)(nil)

func (c *ctx) State() symexec.State {
	if len(c.added) > 0 {
		return c.added[len(c.added)-1].State
	}
	return c.pred.State
}

func (c *ctx) Predecessor() *symexec.ExplodedNode { return c.pred }
func (c *ctx) Frame() *symexec.Frame              { return c.eng.frame }
func (c *ctx) Builder() symexec.Builder           { return c.eng.bld }
func (c *ctx) Symbols() symexec.SymbolManager     { return c.eng }
func (c *ctx) BlockCount() int                    { return 0 }
func (c *ctx) TargetOS() symexec.TargetOS         { return c.eng.targetOS }
func (c *ctx) WasInlined() bool                   { return false }

func (c *ctx) AddTransition(state symexec.State) {
	pred := c.pred
	if len(c.added) > 0 {
		pred = c.added[len(c.added)-1]
	}
	n := c.eng.newNode(state, pred, c.stmt, symexec.Pos{}, "")
	c.added = append(c.added, n)
}

func (c *ctx) AddTransitionFrom(state symexec.State, pred *symexec.ExplodedNode) {
	if pred == nil {
		pred = c.pred
	}
	n := c.eng.newNode(state, pred, c.stmt, symexec.Pos{}, "")
	c.added = append(c.added, n)
}

func (c *ctx) GenerateErrorNode() *symexec.ExplodedNode {
	pos := symexec.Pos{}
	if c.stmt != nil {
		pos = c.stmt.Pos
	}
	key := pos.String() + "|error"
	if c.eng.errorSeen[key] {
		return nil
	}
	c.eng.errorSeen[key] = true
	n := c.eng.newNode(c.State(), c.pred, c.stmt, pos, "error")
	c.eng.fatalSinks = append(c.eng.fatalSinks, n)
	return n
}

func (c *ctx) GenerateNonFatalErrorNode(state symexec.State, tag string) *symexec.ExplodedNode {
	pos := symexec.Pos{}
	if c.stmt != nil {
		pos = c.stmt.Pos
	}
	key := pos.String() + "|" + tag
	if c.eng.errorSeen[key] {
		return nil
	}
	c.eng.errorSeen[key] = true
	n := c.eng.newNode(state, c.pred, c.stmt, pos, tag)
	return n
}

func (c *ctx) EmitReport(r *symexec.Report) {
	c.eng.reports = append(c.eng.reports, r)
}

// dispatch runs f with a fresh context and advances the path tip to the last
// transition f added.
func (e *Engine) dispatch(stmt *symexec.Stmt, f func(symexec.CheckerContext)) {
	c := &ctx{eng: e, pred: e.curr, stmt: stmt}
	f(c)
	if len(c.added) > 0 {
		e.curr = c.added[len(c.added)-1]
	}
}

// escapeCandidates collects the base symbols a call lets escape: every
// pointer argument plus the receiver.
func escapeCandidates(call *symexec.CallEvent, constArgs map[int]bool, wantConst bool) []*symexec.Symbol {
	var out []*symexec.Symbol
	seen := map[*symexec.Symbol]bool{}
	add := func(v symexec.SVal) {
		if _, ok := v.(symexec.Loc); !ok {
			return
		}
		if sym := symexec.AsSymbol(v); sym != nil && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for i, a := range call.Args {
		if constArgs[i] != wantConst {
			continue
		}
		add(a)
	}
	if !wantConst && call.Receiver != nil {
		add(call.Receiver)
	}
	return out
}

// DoCall replays one call event: pre-call checks, conservative pointer
// escape, then the post-call modeling.
func (e *Engine) DoCall(call *symexec.CallEvent, constArgs map[int]bool) {
	e.dispatch(call.Stmt, func(c symexec.CheckerContext) {
		e.checker.PreCall(call, c)
	})

	// A call the engine does not inline invalidates its pointer arguments;
	// the checker decides whether that counts as an escape.
	if escaped := escapeCandidates(call, constArgs, false); len(escaped) > 0 {
		st := e.checker.PointerEscape(e.curr.State, escaped, call, symexec.EscapeDirectCall)
		e.transitionIfChanged(st, call.Stmt, "escape")
	}
	if constEscaped := escapeCandidates(call, constArgs, true); len(constEscaped) > 0 {
		st := e.checker.ConstPointerEscape(e.curr.State, constEscaped, call, symexec.EscapeDirectCall)
		e.transitionIfChanged(st, call.Stmt, "const-escape")
	}

	switch call.Kind {
	case symexec.CallObjCMessage:
		e.dispatch(call.Stmt, func(c symexec.CheckerContext) {
			e.checker.PostObjCMessage(call, c)
		})
	case symexec.CallFunction:
		e.dispatch(call.Stmt, func(c symexec.CheckerContext) {
			e.checker.PostCall(call, c)
		})
	}
}

func (e *Engine) transitionIfChanged(st symexec.State, stmt *symexec.Stmt, tag string) {
	if st == nil || st == e.curr.State {
		return
	}
	e.curr = e.newNode(st, e.curr, stmt, symexec.Pos{}, tag)
}

// DoNew replays the allocator part of a new expression.
func (e *Engine) DoNew(call *symexec.CallEvent) {
	e.dispatch(call.Stmt, func(c symexec.CheckerContext) {
		e.checker.PostNew(call, c)
	})
}

// DoDelete replays a delete expression.
func (e *Engine) DoDelete(call *symexec.CallEvent) {
	e.dispatch(call.Stmt, func(c symexec.CheckerContext) {
		e.checker.PreDelete(call, c)
	})
}

// DoBlock replays a block literal capturing the given values.
func (e *Engine) DoBlock(call *symexec.CallEvent) {
	e.dispatch(call.Stmt, func(c symexec.CheckerContext) {
		e.checker.PostBlock(call, c)
	})
}

// DoUse replays a load or store through loc.
func (e *Engine) DoUse(loc symexec.SVal, isLoad bool, stmt *symexec.Stmt) {
	e.dispatch(stmt, func(c symexec.CheckerContext) {
		e.checker.Location(loc, isLoad, stmt, c)
	})
}

// DoStore binds a variable to a value, recording the store fact the leak
// reporter uses to name leaking variables.
func (e *Engine) DoStore(varName string, val symexec.SVal, pos symexec.Pos) {
	region := e.varRegion(varName, symexec.SpaceStackLocals)
	n := e.newNode(e.curr.State, e.curr, nil, pos, "store")
	n.Store = &symexec.StoreFact{Region: region, Val: val}
	e.curr = n
}

// DoAssume narrows the path: sym is assumed null (or non-null) from here
// on. The checker's assumption hook runs on the narrowed state.
func (e *Engine) DoAssume(sym *symexec.Symbol, isNull bool, pos symexec.Pos) {
	st, ok := e.curr.State.(*state)
	if !ok {
		return
	}
	narrowed := st.withFact(sym, isNull)
	cond := symexec.SVal(symexec.CondEQ{A: symexec.SymVal{Sym: sym}, B: symexec.ConcreteInt{}})
	next := e.checker.EvalAssume(narrowed, cond, isNull)
	if next == nil {
		next = narrowed
	}
	// The branch condition is a statement of its own, so path visitors can
	// anchor notes at it.
	stmt := &symexec.Stmt{Kind: symexec.StmtOther, Pos: pos}
	e.curr = e.newNode(next, e.curr, stmt, pos, "assume")
}

// reaper is the dead-symbol set passed to the cleanup hook.
type reaper map[*symexec.Symbol]bool

func (r reaper) IsDead(sym *symexec.Symbol) bool { return r[sym] }

// DoDead reclaims symbols: the requested ones die unless a symbol
// dependency keeps them alive through a still-live base.
func (e *Engine) DoDead(syms []*symexec.Symbol, pos symexec.Pos) {
	dead := reaper{}
	for _, s := range syms {
		dead[s] = true
	}

	// A dependent of a live base survives; iterate to cover chains.
	for changed := true; changed; {
		changed = false
		for base, dependents := range e.deps {
			if dead[base] {
				continue
			}
			for _, d := range dependents {
				if dead[d] {
					delete(dead, d)
					changed = true
				}
			}
		}
	}

	stmt := &symexec.Stmt{Kind: symexec.StmtOther, Pos: pos, Spelling: ""}
	e.dispatch(stmt, func(c symexec.CheckerContext) {
		e.checker.DeadSymbols(dead, c)
	})
}

// DoReturn replays a return statement with the given operand.
func (e *Engine) DoReturn(val symexec.SVal, pos symexec.Pos) {
	stmt := &symexec.Stmt{Kind: symexec.StmtReturn, Pos: pos}
	e.dispatch(stmt, func(c symexec.CheckerContext) {
		e.checker.PreReturn(val, stmt, c)
	})
}

// DoEndFunction replays leaving the current function body.
func (e *Engine) DoEndFunction(val symexec.SVal, pos symexec.Pos) {
	stmt := &symexec.Stmt{Kind: symexec.StmtReturn, Pos: pos}
	e.dispatch(stmt, func(c symexec.CheckerContext) {
		e.checker.EndFunction(val, stmt, c)
	})
}

// DoInnerAlloc models a container handing out a pointer into its own
// storage (c_str-style accessors): the buffer symbol joins the lifecycle
// tables in the inner-buffer family, owned by the container region.
func (e *Engine) DoInnerAlloc(sym *symexec.Symbol, container *symexec.Region, method string, pos symexec.Pos) {
	stmt := &symexec.Stmt{Kind: symexec.StmtCall, Pos: pos, Spelling: method}
	st := memdiag.MarkInnerBufferAllocated(e.curr.State, sym, stmt)
	st = memdiag.RecordContainerObject(st, sym, container)
	e.curr = e.newNode(st, e.curr, stmt, pos, "inner-alloc")
}

// DoInnerFree models the container invalidating its inner buffer, either
// through a mutating method or through its destructor (no statement; the
// node is a post-implicit-call point).
func (e *Engine) DoInnerFree(sym *symexec.Symbol, method string, destructor bool, pos symexec.Pos) {
	var stmt *symexec.Stmt
	if !destructor {
		stmt = &symexec.Stmt{Kind: symexec.StmtCall, Pos: pos, Spelling: method}
	}
	st := memdiag.MarkInnerBufferReleased(e.curr.State, sym, stmt)
	n := e.newNode(st, e.curr, stmt, pos, "inner-free")
	n.PostImplicitCall = destructor
	e.curr = n
}

// DoAtomic replays an atomic read-modify-write, which only matters to the
// refcount-suppression heuristic.
func (e *Engine) DoAtomic(op symexec.AtomicOp, pos symexec.Pos) {
	stmt := &symexec.Stmt{Kind: symexec.StmtAtomicRMW, Pos: pos, Atomic: op}
	e.curr = e.newNode(e.curr.State, e.curr, stmt, pos, "atomic")
}

// PushFrame enters a callee frame; destructorClass marks destructor frames.
func (e *Engine) PushFrame(name, destructorClass string) {
	e.frame = &symexec.Frame{
		Parent:       e.frame,
		FuncName:     name,
		IsDestructor: destructorClass != "",
		ClassName:    destructorClass,
	}
}

// PopFrame returns to the caller frame.
func (e *Engine) PopFrame() {
	if e.frame.Parent != nil {
		e.frame = e.frame.Parent
	}
}

// Finish runs the path visitors over every report, applies suppression and
// de-duplication, and returns the surviving reports in a deterministic
// order.
func (e *Engine) Finish() []*symexec.Report {
	rank := e.topoRanks()

	var out []*symexec.Report
	seen := map[string]bool{}

	// Reports emitted earlier on the path have priority for de-duplication;
	// process in topological order of their error nodes.
	reports := make([]*symexec.Report, len(e.reports))
	copy(reports, e.reports)
	sort.SliceStable(reports, func(i, j int) bool {
		ri, rj := rank[reports[i].Node], rank[reports[j].Node]
		if ri != rj {
			return ri < rj
		}
		return reports[i].Category < reports[j].Category
	})

	for _, r := range reports {
		if r.SuppressOnSink && e.sinkReaches(r.Node) {
			continue
		}

		// Walk the path backwards from the error node, giving each visitor
		// a look at every transition.
		for n := r.Node; n != nil && n.FirstPred() != nil; n = n.FirstPred() {
			for _, v := range r.Visitors() {
				if note := v.VisitNode(n, r); note != nil {
					r.AddNote(*note)
				}
			}
		}
		if !r.IsValid() {
			continue
		}

		key := r.Category + "|" + r.Pos().String() + "|" + r.UniqueingDecl
		if seen[key] {
			continue
		}
		seen[key] = true

		r.ID = uuid.New()
		reverseNotes(r)
		out = append(out, r)
	}
	return out
}

// sinkReaches reports whether a fatal sink lies downstream of n.
func (e *Engine) sinkReaches(n *symexec.ExplodedNode) bool {
	for _, sink := range e.fatalSinks {
		for p := sink; p != nil; p = p.FirstPred() {
			if p == n {
				return sink != n
			}
		}
	}
	return false
}

// reverseNotes flips visitor notes from walk order into path order.
func reverseNotes(r *symexec.Report) {
	notes := r.Notes()
	for i, j := 0, len(notes)-1; i < j; i, j = i+1, j-1 {
		notes[i], notes[j] = notes[j], notes[i]
	}
}

// SymbolNamed returns the symbol a trace declared under name, or nil.
func (e *Engine) SymbolNamed(name string) *symexec.Symbol { return e.symsByName[name] }

// Nodes exposes the exploded graph, for rendering and tests.
func (e *Engine) Nodes() []*symexec.ExplodedNode { return e.nodes }

// Checker returns the checker this engine replays into.
func (e *Engine) Checker() symexec.Checker { return e.checker }

// CurrentState exposes the state at the path tip.
func (e *Engine) CurrentState() symexec.State { return e.curr.State }
