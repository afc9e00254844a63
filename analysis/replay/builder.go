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
	"github.com/heaplens/heaplens/analysis/symexec"
)

type conjureKey struct {
	stmt  *symexec.Stmt
	count int
}

type productKey struct {
	a, b *symexec.Symbol
	c    int64
}

// builder is the replay engine's symexec.Builder. Conjured symbols and
// derived products are memoized so repeated queries return stable values.
type builder struct {
	eng      *Engine
	conjured map[conjureKey]symexec.Loc
	extents  map[*symexec.Symbol]*symexec.Symbol
	products map[productKey]*symexec.Symbol
}

var _ symexec.Builder = (*builder)(nil)

func newBuilder(eng *Engine) *builder {
	return &builder{
		eng:      eng,
		conjured: map[conjureKey]symexec.Loc{},
		extents:  map[*symexec.Symbol]*symexec.Symbol{},
		products: map[productKey]*symexec.Symbol{},
	}
}

// EvalEQ evaluates a == b, folding when the state already knows the answer.
func (b *builder) EvalEQ(st symexec.State, a, bb symexec.SVal) symexec.SVal {
	ca, aConcrete := a.(symexec.ConcreteInt)
	cb, bConcrete := bb.(symexec.ConcreteInt)

	if aConcrete && bConcrete {
		if ca.Value == cb.Value {
			return symexec.ConcreteInt{Value: 1}
		}
		return symexec.ConcreteInt{Value: 0}
	}

	// Fold symbol-against-zero comparisons the fact store has settled.
	if rs, ok := st.(*state); ok {
		if sym := symexec.AsSymbol(a); sym != nil && bConcrete && cb.Value == 0 {
			switch rs.zeroFact(sym) {
			case symexec.ConstrainedTrue:
				return symexec.ConcreteInt{Value: 1}
			case symexec.ConstrainedFalse:
				return symexec.ConcreteInt{Value: 0}
			}
		}
	}

	// The address of a declared variable is never null.
	if loc, ok := a.(symexec.Loc); ok && bConcrete && cb.Value == 0 {
		if loc.Region.BaseSymbol() == nil {
			return symexec.ConcreteInt{Value: 0}
		}
	}

	return symexec.CondEQ{A: a, B: bb}
}

// EvalBinOp evaluates a <op> b. Concrete operands fold; a symbolic operand
// multiplied or masked with a constant yields a derived symbol so the result
// can still be assumed on.
func (b *builder) EvalBinOp(st symexec.State, op symexec.BinOp, a, bb symexec.SVal) symexec.SVal {
	ca, aConcrete := a.(symexec.ConcreteInt)
	cb, bConcrete := bb.(symexec.ConcreteInt)

	if aConcrete && bConcrete {
		switch op {
		case symexec.OpAnd:
			return symexec.ConcreteInt{Value: ca.Value & cb.Value}
		case symexec.OpMul:
			return symexec.ConcreteInt{Value: ca.Value * cb.Value}
		}
	}

	if op == symexec.OpMul {
		// Multiplication by zero is zero regardless of the other operand.
		if (aConcrete && ca.Value == 0) || (bConcrete && cb.Value == 0) {
			return symexec.ConcreteInt{Value: 0}
		}
		sa := symexec.AsSymbol(a)
		sb := symexec.AsSymbol(bb)
		switch {
		case sa != nil && bConcrete:
			return symexec.SymVal{Sym: b.productSymbol(sa, nil, cb.Value)}
		case sb != nil && aConcrete:
			return symexec.SymVal{Sym: b.productSymbol(sb, nil, ca.Value)}
		case sa != nil && sb != nil:
			return symexec.SymVal{Sym: b.productSymbol(sa, sb, 1)}
		}
	}

	return symexec.UnknownVal{}
}

func (b *builder) productSymbol(s1, s2 *symexec.Symbol, k int64) *symexec.Symbol {
	key := productKey{a: s1, b: s2, c: k}
	if sym, ok := b.products[key]; ok {
		return sym
	}
	sym := b.eng.newSymbol(symexec.Type{Kind: symexec.TypeInteger})
	b.products[key] = sym
	return sym
}

// MakeIntVal returns the concrete integer v.
func (b *builder) MakeIntVal(v int64) symexec.SVal { return symexec.ConcreteInt{Value: v} }

// MakeNull returns the null pointer constant.
func (b *builder) MakeNull() symexec.SVal { return symexec.ConcreteInt{Value: 0} }

// MakeZero returns the zero byte used for calloc-style initialization.
func (b *builder) MakeZero() symexec.SVal { return symexec.ConcreteInt{Value: 0} }

// ConjureHeapSymbol returns the stable heap symbol for the call at stmt.
// When the trace pre-declared the call's result, that symbol is reused, so
// the checker and the rest of the trace agree on identities.
func (b *builder) ConjureHeapSymbol(stmt *symexec.Stmt, frame *symexec.Frame, blockCount int) symexec.Loc {
	key := conjureKey{stmt: stmt, count: blockCount}
	if loc, ok := b.conjured[key]; ok {
		return loc
	}
	sym := b.eng.newSymbol(symexec.Type{Kind: symexec.TypePointer})
	sym.Conjured = stmt
	loc := symexec.Loc{Region: b.eng.symbolicRegion(sym, symexec.SpaceUnknown)}
	b.conjured[key] = loc
	return loc
}

// declareConjured pins the conjured result of stmt to a trace-declared
// location.
func (b *builder) declareConjured(stmt *symexec.Stmt, blockCount int, loc symexec.Loc) {
	b.conjured[conjureKey{stmt: stmt, count: blockCount}] = loc
}

// ExtentOf returns the extent symbol of a region, derived one-to-one from
// its base symbol.
func (b *builder) ExtentOf(region *symexec.Region) symexec.SVal {
	base := region.BaseRegion()
	if base.Sym == nil {
		return symexec.UnknownVal{}
	}
	if e, ok := b.extents[base.Sym]; ok {
		return symexec.SymVal{Sym: e}
	}
	e := b.eng.newSymbol(symexec.Type{Kind: symexec.TypeInteger})
	b.extents[base.Sym] = e
	return symexec.SymVal{Sym: e}
}
