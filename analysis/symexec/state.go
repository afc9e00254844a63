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

package symexec

// TruthValue is the tri-valued answer of a constraint query.
type TruthValue int

const (
	Underconstrained TruthValue = iota
	ConstrainedTrue
	ConstrainedFalse
)

// IsConstrainedTrue reports whether the query is definitely true.
func (t TruthValue) IsConstrainedTrue() bool { return t == ConstrainedTrue }

// CondEQ is the symbolic value of an equality comparison produced by
// Builder.EvalEQ when the engine cannot fold it to a constant.
type CondEQ struct{ A, B SVal }

func (CondEQ) isSVal()          {}
func (c CondEQ) String() string { return c.A.String() + " == " + c.B.String() }

// BinOp is a binary operation the checkers ask the engine to evaluate.
type BinOp int

const (
	OpAnd BinOp = iota
	OpMul
)

// State is one immutable per-path program state. Checkers never mutate a
// State; every update returns a new one that shares structure with its
// parent. Checker-owned tables ride along as traits keyed by package-level
// trait keys.
type State interface {
	// Trait returns the value stored under key, or nil.
	Trait(key any) any

	// WithTrait returns a new state with key bound to value.
	WithTrait(key, value any) State

	// Assume splits the state on cond being true/false. Either result may be
	// nil when the corresponding side is infeasible; both non-nil means the
	// condition is underconstrained.
	Assume(cond SVal) (ifTrue, ifFalse State)

	// IsNull queries the constraint manager for sym == null.
	IsNull(sym *Symbol) TruthValue

	// BindDefaultInitial sets the default contents of a freshly allocated
	// region: undefined for malloc-style allocations, zero for calloc-style
	// ones.
	BindDefaultInitial(region *Region, init SVal) State
}

// Builder is the engine's SVal algebra.
type Builder interface {
	// EvalEQ evaluates a == b in state, folding to a ConcreteInt when the
	// answer is known.
	EvalEQ(state State, a, b SVal) SVal

	// EvalBinOp evaluates a <op> b, returning UnknownVal when the operands
	// cannot be combined.
	EvalBinOp(state State, op BinOp, a, b SVal) SVal

	MakeIntVal(v int64) SVal
	MakeNull() SVal
	MakeZero() SVal

	// ConjureHeapSymbol returns the heap symbol conjured for the result of
	// the call at stmt, distinguished by the current block count, as the
	// location of its symbolic region. The result is stable: asking twice
	// for the same (stmt, blockCount) yields the same symbol, and it is the
	// value the engine bound to the call's result.
	ConjureHeapSymbol(stmt *Stmt, frame *Frame, blockCount int) Loc

	// ExtentOf returns the symbolic extent (size in bytes) of a region, as
	// a value Assume and EvalEQ understand. UnknownVal when the region has
	// no extent symbol.
	ExtentOf(region *Region) SVal
}
