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

import "fmt"

// MemSpace is the memory space a region belongs to.
type MemSpace int

const (
	SpaceUnknown MemSpace = iota
	SpaceHeap
	SpaceStackLocals
	SpaceStackArgs
	SpaceGlobals
	SpaceCode
)

// RegionKind distinguishes the region shapes the checkers care about.
type RegionKind int

const (
	// RegionSymbolic is a region whose base address is a symbol, e.g. the
	// pointee of a conjured heap pointer.
	RegionSymbolic RegionKind = iota
	// RegionVar is a declared variable.
	RegionVar
	// RegionElement is an offset view into a super region (array element,
	// cast result).
	RegionElement
	// RegionField is a member view into a super region.
	RegionField
	// RegionAlloca is stack memory obtained from alloca().
	RegionAlloca
	// RegionBlockData is the closure object of a block literal.
	RegionBlockData
	// RegionFunctionCode is the address of a function.
	RegionFunctionCode
)

// A Region denotes an addressable memory area. Regions form a tree: element
// and field regions refine a super region; the base region is the root.
type Region struct {
	Kind  RegionKind
	Space MemSpace

	// Super is the parent region for element/field regions, nil at the root.
	Super *Region

	// Sym is the base symbol of a symbolic region.
	Sym *Symbol

	// VarName names the variable for RegionVar, used in diagnostics.
	VarName string

	// Frame is the stack frame owning a RegionVar, nil for non-stack regions.
	Frame *Frame

	// Offset is the byte offset of this region from the base region, when
	// known. SymbolicOffset marks offsets that depend on a symbol.
	Offset         int64
	OffsetKnown    bool
	SymbolicOffset bool

	// IsStaticLocal marks a RegionVar in SpaceGlobals that was declared
	// static inside a function.
	IsStaticLocal bool
}

func (r *Region) String() string {
	if r == nil {
		return "region<nil>"
	}
	switch r.Kind {
	case RegionVar:
		return r.VarName
	case RegionSymbolic:
		return fmt.Sprintf("SymRegion{%s}", r.Sym)
	case RegionElement:
		return fmt.Sprintf("element{%s,+%d}", r.Super, r.Offset)
	case RegionField:
		return fmt.Sprintf("field{%s}", r.Super)
	case RegionAlloca:
		return "alloca"
	case RegionBlockData:
		return "block"
	case RegionFunctionCode:
		return "code " + r.VarName
	}
	return "region"
}

// BaseRegion walks super-region links to the root.
func (r *Region) BaseRegion() *Region {
	for r.Super != nil {
		r = r.Super
	}
	return r
}

// BaseSymbol returns the symbol of the base region, or nil when the base is
// not symbolic.
func (r *Region) BaseSymbol() *Symbol {
	if r == nil {
		return nil
	}
	return r.BaseRegion().Sym
}

// StripCasts unwraps zero-offset element regions introduced by pointer casts.
func (r *Region) StripCasts() *Region {
	for r.Kind == RegionElement && r.OffsetKnown && !r.SymbolicOffset && r.Offset == 0 && r.Super != nil {
		r = r.Super
	}
	return r
}

// MemorySpace returns the memory space of the base region.
func (r *Region) MemorySpace() MemSpace {
	return r.BaseRegion().Space
}

// KnownOffset reports the region's byte offset from its base, if it is
// precisely known. The second result is false for symbolic or unknown
// offsets.
func (r *Region) KnownOffset() (int64, bool) {
	if !r.OffsetKnown || r.SymbolicOffset {
		return 0, false
	}
	return r.Offset, true
}

// PrintPretty renders the region the way a diagnostic names it ("the memory
// pointed to by 'p'"). The second result is false when the region has no
// user-recognizable spelling.
func (r *Region) PrintPretty() (string, bool) {
	base := r.BaseRegion()
	if base.Kind == RegionVar && base.VarName != "" {
		return "'" + base.VarName + "'", true
	}
	return "", false
}
