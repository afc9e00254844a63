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

// state is the replay engine's symexec.State: a persistent trait store plus
// a fact store answering "is this symbol equal to zero/null". Updates copy
// the small maps, which keeps states immutable and cheap to fork at the
// trace sizes the engine is meant for.
type state struct {
	traits map[any]any

	// facts records, per symbol, whether it is known equal to zero (null
	// for pointers). Absent means underconstrained.
	facts map[*symexec.Symbol]bool

	// inits records the default initialization of freshly allocated
	// regions, keyed by base symbol.
	inits map[*symexec.Symbol]symexec.SVal
}

var _ symexec.State = (*state)(nil)

func newState() *state {
	return &state{}
}

func (s *state) clone() *state {
	c := &state{
		traits: make(map[any]any, len(s.traits)),
		facts:  make(map[*symexec.Symbol]bool, len(s.facts)),
		inits:  make(map[*symexec.Symbol]symexec.SVal, len(s.inits)),
	}
	for k, v := range s.traits {
		c.traits[k] = v
	}
	for k, v := range s.facts {
		c.facts[k] = v
	}
	for k, v := range s.inits {
		c.inits[k] = v
	}
	return c
}

// Trait returns the value stored under key, or nil.
func (s *state) Trait(key any) any { return s.traits[key] }

// WithTrait returns a copy of the state with key bound to value.
func (s *state) WithTrait(key, value any) symexec.State {
	c := s.clone()
	c.traits[key] = value
	return c
}

// zeroFact answers whether sym is known equal to zero.
func (s *state) zeroFact(sym *symexec.Symbol) symexec.TruthValue {
	if sym == nil {
		return symexec.Underconstrained
	}
	v, ok := s.facts[sym]
	if !ok {
		return symexec.Underconstrained
	}
	if v {
		return symexec.ConstrainedTrue
	}
	return symexec.ConstrainedFalse
}

func (s *state) withFact(sym *symexec.Symbol, isZero bool) *state {
	c := s.clone()
	c.facts[sym] = isZero
	return c
}

// IsNull queries the fact store for sym == null.
func (s *state) IsNull(sym *symexec.Symbol) symexec.TruthValue {
	return s.zeroFact(sym)
}

// BindDefaultInitial records the default contents of a fresh region.
func (s *state) BindDefaultInitial(region *symexec.Region, init symexec.SVal) symexec.State {
	sym := region.BaseSymbol()
	if sym == nil {
		return s
	}
	c := s.clone()
	c.inits[sym] = init
	return c
}

// defaultInit returns the recorded default contents of a region's base.
func (s *state) defaultInit(sym *symexec.Symbol) (symexec.SVal, bool) {
	v, ok := s.inits[sym]
	return v, ok
}

// Assume splits the state on cond. The truthiness rules mirror what a real
// constraint manager decides: concrete values are final, symbolic values and
// symbolic null comparisons fork, locations of declared variables are
// definitely non-null.
func (s *state) Assume(cond symexec.SVal) (symexec.State, symexec.State) {
	ifTrue, ifFalse := s.assume(cond)
	// Convert typed nils so callers can compare against nil directly.
	var t, f symexec.State
	if ifTrue != nil {
		t = ifTrue
	}
	if ifFalse != nil {
		f = ifFalse
	}
	return t, f
}

func (s *state) assume(cond symexec.SVal) (*state, *state) {
	switch v := cond.(type) {
	case symexec.ConcreteInt:
		if v.Value != 0 {
			return s, nil
		}
		return nil, s

	case symexec.GotoLabel:
		return s, nil

	case symexec.Loc:
		// A location is truthy when it is non-null; only symbolic bases can
		// still be null.
		sym := v.Region.BaseSymbol()
		if sym == nil {
			return s, nil
		}
		return s.forkOnZero(sym, true)

	case symexec.SymVal:
		return s.forkOnZero(v.Sym, true)

	case symexec.CondEQ:
		return s.assumeEQ(v.A, v.B)
	}
	// Unknown conditions leave both sides feasible.
	return s, s
}

// forkOnZero splits on sym == 0. When truthyNonZero is set the first result
// is the non-zero side (assuming the value itself), otherwise the first
// result is the equal-zero side (assuming a comparison).
func (s *state) forkOnZero(sym *symexec.Symbol, truthyNonZero bool) (*state, *state) {
	var zero, nonZero *state
	switch s.zeroFact(sym) {
	case symexec.ConstrainedTrue:
		zero, nonZero = s, nil
	case symexec.ConstrainedFalse:
		zero, nonZero = nil, s
	default:
		zero, nonZero = s.withFact(sym, true), s.withFact(sym, false)
	}
	if truthyNonZero {
		return nonZero, zero
	}
	return zero, nonZero
}

func (s *state) assumeEQ(a, b symexec.SVal) (*state, *state) {
	ca, aConcrete := a.(symexec.ConcreteInt)
	cb, bConcrete := b.(symexec.ConcreteInt)

	if aConcrete && bConcrete {
		if ca.Value == cb.Value {
			return s, nil
		}
		return nil, s
	}

	// Comparisons against zero feed the fact store; anything else stays
	// underconstrained (e.g. extent == size, which is always satisfiable
	// for a fresh allocation).
	if symA := symexec.AsSymbol(a); symA != nil && bConcrete && cb.Value == 0 {
		return s.forkOnZero(symA, false)
	}
	if symB := symexec.AsSymbol(b); symB != nil && aConcrete && ca.Value == 0 {
		return s.forkOnZero(symB, false)
	}

	if la, ok := a.(symexec.Loc); ok && bConcrete && cb.Value == 0 {
		if la.Region.BaseSymbol() == nil {
			// The address of a variable is never null.
			return nil, s
		}
	}

	return s, s
}
