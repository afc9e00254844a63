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

package memdiag

import (
	"github.com/benbjohnson/immutable"
	"github.com/heaplens/heaplens/analysis/symexec"
)

// symbolHasher hashes symbols by their engine-assigned ID and compares them
// by identity.
type symbolHasher struct{}

func (symbolHasher) Hash(s *symexec.Symbol) uint32 {
	if s == nil {
		return 0
	}
	return uint32(s.ID) * 2654435761
}

func (symbolHasher) Equal(a, b *symexec.Symbol) bool { return a == b }

// Tables bundles the checker's per-path maps. All maps are persistent:
// every update returns a new Tables value sharing structure with the old
// one, so forking a path is O(1). Tables ride inside the engine state under
// tablesKey.
type Tables struct {
	// regions maps each tracked symbol to its lifecycle record.
	regions *immutable.Map[*symexec.Symbol, RefRecord]

	// reallocPairs maps a reallocated-to symbol to its source symbol and
	// failure policy.
	reallocPairs *immutable.Map[*symexec.Symbol, ReallocPair]

	// freeReturn maps a freed symbol to the return-status symbol of the
	// deallocator, for deallocators that return null on failure.
	freeReturn *immutable.Map[*symexec.Symbol, *symexec.Symbol]

	// zeroSized is the set of symbols returned by a zero-size reallocation;
	// they are not in regions but uses of them are still diagnosed.
	zeroSized *immutable.Map[*symexec.Symbol, struct{}]

	// containers maps an inner-buffer symbol to the container object region
	// that owns it.
	containers *immutable.Map[*symexec.Symbol, *symexec.Region]
}

var tablesKey = new(int)

var emptyTables = Tables{
	regions:      immutable.NewMap[*symexec.Symbol, RefRecord](symbolHasher{}),
	reallocPairs: immutable.NewMap[*symexec.Symbol, ReallocPair](symbolHasher{}),
	freeReturn:   immutable.NewMap[*symexec.Symbol, *symexec.Symbol](symbolHasher{}),
	zeroSized:    immutable.NewMap[*symexec.Symbol, struct{}](symbolHasher{}),
	containers:   immutable.NewMap[*symexec.Symbol, *symexec.Region](symbolHasher{}),
}

// StateTables exposes the checker tables stored in a state, for tests and
// state dumps.
func StateTables(state symexec.State) Tables {
	return tablesOf(state)
}

// tablesOf extracts the checker tables from a state, defaulting to empty.
func tablesOf(state symexec.State) Tables {
	if state == nil {
		return emptyTables
	}
	if t, ok := state.Trait(tablesKey).(Tables); ok {
		return t
	}
	return emptyTables
}

// withTables threads updated tables back into the state.
func withTables(state symexec.State, t Tables) symexec.State {
	return state.WithTrait(tablesKey, t)
}

// Record returns the lifecycle record of sym, if tracked.
func (t Tables) Record(sym *symexec.Symbol) (RefRecord, bool) {
	if sym == nil {
		return RefRecord{}, false
	}
	return t.regions.Get(sym)
}

// RegionCount returns the number of tracked symbols.
func (t Tables) RegionCount() int { return t.regions.Len() }

// IsZeroSized reports whether sym came from a zero-size reallocation.
func (t Tables) IsZeroSized(sym *symexec.Symbol) bool {
	_, ok := t.zeroSized.Get(sym)
	return ok
}

// Pair returns the realloc-pair entry keyed at the reallocated-to symbol.
func (t Tables) Pair(to *symexec.Symbol) (ReallocPair, bool) {
	if to == nil {
		return ReallocPair{}, false
	}
	return t.reallocPairs.Get(to)
}

// FreeReturn returns the recorded deallocator return-status symbol of sym.
func (t Tables) FreeReturn(sym *symexec.Symbol) (*symexec.Symbol, bool) {
	if sym == nil {
		return nil, false
	}
	return t.freeReturn.Get(sym)
}

// ContainerObj returns the container region owning an inner-buffer symbol.
func (t Tables) ContainerObj(sym *symexec.Symbol) (*symexec.Region, bool) {
	if sym == nil {
		return nil, false
	}
	return t.containers.Get(sym)
}

func (t Tables) setRecord(sym *symexec.Symbol, rec RefRecord) Tables {
	t.regions = t.regions.Set(sym, rec)
	return t
}

func (t Tables) removeRecord(sym *symexec.Symbol) Tables {
	t.regions = t.regions.Delete(sym)
	return t
}

func (t Tables) setPair(to *symexec.Symbol, p ReallocPair) Tables {
	t.reallocPairs = t.reallocPairs.Set(to, p)
	return t
}

func (t Tables) removePair(to *symexec.Symbol) Tables {
	t.reallocPairs = t.reallocPairs.Delete(to)
	return t
}

func (t Tables) setFreeReturn(sym, ret *symexec.Symbol) Tables {
	t.freeReturn = t.freeReturn.Set(sym, ret)
	return t
}

func (t Tables) removeFreeReturn(sym *symexec.Symbol) Tables {
	t.freeReturn = t.freeReturn.Delete(sym)
	return t
}

func (t Tables) addZeroSized(sym *symexec.Symbol) Tables {
	t.zeroSized = t.zeroSized.Set(sym, struct{}{})
	return t
}

func (t Tables) removeZeroSized(sym *symexec.Symbol) Tables {
	t.zeroSized = t.zeroSized.Delete(sym)
	return t
}

func (t Tables) setContainerObj(sym *symexec.Symbol, region *symexec.Region) Tables {
	t.containers = t.containers.Set(sym, region)
	return t
}

func (t Tables) removeContainerObj(sym *symexec.Symbol) Tables {
	t.containers = t.containers.Delete(sym)
	return t
}

// eachRecord visits every (symbol, record) pair. The iteration order is not
// deterministic; callers that report must order their output themselves.
func (t Tables) eachRecord(f func(sym *symexec.Symbol, rec RefRecord)) {
	itr := t.regions.Iterator()
	for !itr.Done() {
		k, v, _ := itr.Next()
		f(k, v)
	}
}

func (t Tables) eachPair(f func(to *symexec.Symbol, p ReallocPair)) {
	itr := t.reallocPairs.Iterator()
	for !itr.Done() {
		k, v, _ := itr.Next()
		f(k, v)
	}
}

func (t Tables) eachFreeReturn(f func(sym, ret *symexec.Symbol)) {
	itr := t.freeReturn.Iterator()
	for !itr.Done() {
		k, v, _ := itr.Next()
		f(k, v)
	}
}

func (t Tables) eachZeroSized(f func(sym *symexec.Symbol)) {
	itr := t.zeroSized.Iterator()
	for !itr.Done() {
		k, _, _ := itr.Next()
		f(k)
	}
}
