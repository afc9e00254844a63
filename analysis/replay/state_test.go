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
	"io"
	"testing"

	"github.com/heaplens/heaplens/analysis/config"
	"github.com/heaplens/heaplens/analysis/symexec"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.NewDefault()
	return NewEngine(cfg, config.NewLogGroup(cfg), nopChecker{})
}

func TestAssumeConcrete(t *testing.T) {
	s := newState()

	ifTrue, ifFalse := s.Assume(symexec.ConcreteInt{Value: 8})
	if ifTrue == nil || ifFalse != nil {
		t.Errorf("Assume(8) = (%v, %v), want only the true side", ifTrue, ifFalse)
	}

	ifTrue, ifFalse = s.Assume(symexec.ConcreteInt{Value: 0})
	if ifTrue != nil || ifFalse == nil {
		t.Errorf("Assume(0) = (%v, %v), want only the false side", ifTrue, ifFalse)
	}
}

func TestAssumeSymbolForksAndSticks(t *testing.T) {
	e := testEngine(t)
	sym := e.newSymbol(symexec.Type{Kind: symexec.TypePointer})
	loc := symexec.Loc{Region: e.symbolicRegion(sym, symexec.SpaceUnknown)}

	s := newState()
	nonNull, null := s.Assume(loc)
	if nonNull == nil || null == nil {
		t.Fatalf("underconstrained symbol should fork, got (%v, %v)", nonNull, null)
	}

	// The original state stays underconstrained.
	if s.IsNull(sym) != symexec.Underconstrained {
		t.Errorf("fork mutated the parent state")
	}
	if nonNull.IsNull(sym) != symexec.ConstrainedFalse {
		t.Errorf("non-null side does not remember the fact")
	}
	if null.IsNull(sym) != symexec.ConstrainedTrue {
		t.Errorf("null side does not remember the fact")
	}

	// Re-assuming on a constrained side is definite.
	again, other := nonNull.Assume(loc)
	if again == nil || other != nil {
		t.Errorf("re-assume on the constrained side should not fork")
	}
}

func TestAssumeEqualityAgainstZero(t *testing.T) {
	e := testEngine(t)
	size := e.newSymbol(symexec.Type{Kind: symexec.TypeInteger})

	s := newState()
	cond := symexec.CondEQ{A: symexec.SymVal{Sym: size}, B: symexec.ConcreteInt{Value: 0}}
	zero, nonZero := s.Assume(cond)
	if zero == nil || nonZero == nil {
		t.Fatalf("size == 0 should fork, got (%v, %v)", zero, nonZero)
	}
	if zero.IsNull(size) != symexec.ConstrainedTrue {
		t.Errorf("zero side should pin the fact")
	}
	if nonZero.IsNull(size) != symexec.ConstrainedFalse {
		t.Errorf("non-zero side should pin the fact")
	}
}

func TestAssumeVarAddressNeverNull(t *testing.T) {
	e := testEngine(t)
	loc := symexec.Loc{Region: e.varRegion("x", symexec.SpaceStackLocals)}

	s := newState()
	nonNull, null := s.Assume(loc)
	if nonNull == nil || null != nil {
		t.Errorf("the address of a variable should be definitely non-null")
	}

	eq := symexec.CondEQ{A: loc, B: symexec.ConcreteInt{Value: 0}}
	isNull, notNull := s.Assume(eq)
	if isNull != nil || notNull == nil {
		t.Errorf("&x == null should be definitely false")
	}
}

func TestBuilderEvalEQFolding(t *testing.T) {
	e := testEngine(t)
	b := e.bld
	s := newState()

	if got := b.EvalEQ(s, symexec.ConcreteInt{Value: 3}, symexec.ConcreteInt{Value: 3}); got.(symexec.ConcreteInt).Value != 1 {
		t.Errorf("3 == 3 evaluated to %v", got)
	}
	if got := b.EvalEQ(s, symexec.ConcreteInt{Value: 3}, symexec.ConcreteInt{Value: 4}); !symexec.IsZeroConstant(got) {
		t.Errorf("3 == 4 evaluated to %v", got)
	}

	sym := e.newSymbol(symexec.Type{Kind: symexec.TypeInteger})
	constrained := newState().withFact(sym, true)
	if got := b.EvalEQ(constrained, symexec.SymVal{Sym: sym}, symexec.ConcreteInt{Value: 0}); got.(symexec.ConcreteInt).Value != 1 {
		t.Errorf("constrained sym == 0 evaluated to %v", got)
	}
}

func TestBuilderConjureIsStable(t *testing.T) {
	e := testEngine(t)
	stmt := &symexec.Stmt{Kind: symexec.StmtCall, Spelling: "malloc"}

	l1 := e.bld.ConjureHeapSymbol(stmt, e.frame, 0)
	l2 := e.bld.ConjureHeapSymbol(stmt, e.frame, 0)
	if l1.Region != l2.Region {
		t.Errorf("conjuring twice for one call yields different regions")
	}

	other := &symexec.Stmt{Kind: symexec.StmtCall, Spelling: "malloc"}
	l3 := e.bld.ConjureHeapSymbol(other, e.frame, 0)
	if l3.Region == l1.Region {
		t.Errorf("distinct calls share a conjured region")
	}
}

func TestBuilderEvalBinOp(t *testing.T) {
	e := testEngine(t)
	b := e.bld
	s := newState()

	if got := b.EvalBinOp(s, symexec.OpMul, symexec.ConcreteInt{Value: 4}, symexec.ConcreteInt{Value: 8}); got.(symexec.ConcreteInt).Value != 32 {
		t.Errorf("4*8 = %v", got)
	}
	if got := b.EvalBinOp(s, symexec.OpAnd, symexec.ConcreteInt{Value: 0x8100}, symexec.ConcreteInt{Value: 0x8000}); got.(symexec.ConcreteInt).Value != 0x8000 {
		t.Errorf("0x8100 & 0x8000 = %v", got)
	}

	n := e.newSymbol(symexec.Type{Kind: symexec.TypeInteger})
	got := b.EvalBinOp(s, symexec.OpMul, symexec.SymVal{Sym: n}, symexec.ConcreteInt{Value: 8})
	if _, ok := got.(symexec.SymVal); !ok {
		t.Errorf("n*8 should be a derived symbol, got %v", got)
	}
	again := b.EvalBinOp(s, symexec.OpMul, symexec.SymVal{Sym: n}, symexec.ConcreteInt{Value: 8})
	if got != again {
		t.Errorf("derived products should be stable")
	}
	if got := b.EvalBinOp(s, symexec.OpMul, symexec.SymVal{Sym: n}, symexec.ConcreteInt{Value: 0}); !symexec.IsZeroConstant(got) {
		t.Errorf("n*0 = %v, want 0", got)
	}
}

// nopChecker satisfies symexec.Checker for engine-only tests.
type nopChecker struct{}

func (nopChecker) PreCall(*symexec.CallEvent, symexec.CheckerContext)         {}
func (nopChecker) PostCall(*symexec.CallEvent, symexec.CheckerContext)        {}
func (nopChecker) PostNew(*symexec.CallEvent, symexec.CheckerContext)         {}
func (nopChecker) PreDelete(*symexec.CallEvent, symexec.CheckerContext)       {}
func (nopChecker) PostObjCMessage(*symexec.CallEvent, symexec.CheckerContext) {}
func (nopChecker) PostBlock(*symexec.CallEvent, symexec.CheckerContext)       {}
func (nopChecker) DeadSymbols(symexec.SymbolReaper, symexec.CheckerContext)   {}
func (nopChecker) PreReturn(symexec.SVal, *symexec.Stmt, symexec.CheckerContext) {
}
func (nopChecker) EndFunction(symexec.SVal, *symexec.Stmt, symexec.CheckerContext) {
}
func (nopChecker) Location(symexec.SVal, bool, *symexec.Stmt, symexec.CheckerContext) {
}
func (nopChecker) EvalAssume(state symexec.State, cond symexec.SVal, assumption bool) symexec.State {
	return state
}
func (nopChecker) PointerEscape(state symexec.State, escaped []*symexec.Symbol, call *symexec.CallEvent, kind symexec.EscapeKind) symexec.State {
	return state
}
func (nopChecker) ConstPointerEscape(state symexec.State, escaped []*symexec.Symbol, call *symexec.CallEvent, kind symexec.EscapeKind) symexec.State {
	return state
}
func (nopChecker) PrintState(io.Writer, symexec.State) {}
