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
	"strings"

	"github.com/heaplens/heaplens/analysis/symexec"
)

// freeMemAux models the deallocation of the num-th argument of call. The
// second result reports whether the freed symbol was known to be allocated
// by this checker; realloc uses it to pick the failure policy.
func (c *Checker) freeMemAux(ctx symexec.CheckerContext, call *symexec.CallEvent, num int,
	state symexec.State, hold, returnsNullOnFailure bool) (symexec.State, bool) {
	if state == nil {
		return nil, false
	}
	if call.NumArgs() < num+1 {
		return nil, false
	}
	return c.freeMemAuxVal(ctx, call.Arg(num), call, state, hold, returnsNullOnFailure)
}

// didPreviousFreeFail reports whether an earlier free of sym is known to
// have failed (its recorded return status is constrained to null), and
// returns that status symbol.
func didPreviousFreeFail(state symexec.State, sym *symexec.Symbol) (bool, *symexec.Symbol) {
	ret, ok := tablesOf(state).FreeReturn(sym)
	if !ok {
		return false, nil
	}
	return state.IsNull(ret).IsConstrainedTrue(), ret
}

// freeMemAuxVal is the deallocation modeler proper: it validates the freed
// value through the full check ladder and transitions the symbol to released
// (or relinquished, when the callee only holds the memory).
func (c *Checker) freeMemAuxVal(ctx symexec.CheckerContext, argVal symexec.SVal,
	parent *symexec.CallEvent, state symexec.State, hold, returnsNullOnFailure bool) (symexec.State, bool) {
	if state == nil {
		return nil, false
	}

	// Unknown values could easily be okay; undefined values are handled
	// elsewhere. Symbolic non-location values (size symbols) cannot reach a
	// deallocator with a sane signature, so stop quietly too. Constant
	// integers go on: null is a no-op and any other constant is a bad free.
	switch argVal.(type) {
	case symexec.Loc, symexec.GotoLabel, symexec.ConcreteInt:
	default:
		return nil, false
	}

	// The explicit NULL case: no operation is performed.
	notNull, null := state.Assume(argVal)
	if null != nil && notNull == nil {
		return nil, false
	}
	if notNull != nil {
		state = notNull
	}

	region := symexec.AsRegion(argVal)
	if region == nil {
		// Labels and constant addresses are locations without memory behind
		// them.
		c.reportBadFree(ctx, argVal, parent)
		return nil, false
	}

	region = region.StripCasts()

	// Blocks might show up as heap data, but should not be freed.
	if region.Kind == symexec.RegionBlockData {
		c.reportBadFree(ctx, argVal, parent)
		return nil, false
	}

	// Parameters, locals, statics, globals and alloca() results are not
	// heap memory. Conjured pointers live in the unknown space, and free()
	// can legitimately receive memory allocated outside the current
	// function, so unknown-space regions pass: false negatives are better
	// than false positives.
	space := region.MemorySpace()
	if space != symexec.SpaceUnknown && space != symexec.SpaceHeap {
		if region.BaseRegion().Kind == symexec.RegionAlloca {
			c.reportFreeAlloca(ctx, argVal, parent)
		} else {
			c.reportBadFree(ctx, argVal, parent)
		}
		return nil, false
	}

	symBase := region.BaseSymbol()
	if symBase == nil {
		// Various cases can lead to non-symbol bases; ignore them.
		return nil, false
	}

	t := tablesOf(state)
	recBase, hasRec := t.Record(symBase)
	var prevRetStatus *symexec.Symbol

	isKnownToBeAllocated := hasRec && recBase.IsLive()

	if hasRec {
		// Memory returned by alloca() is reclaimed by the function return.
		if recBase.Family == FamilyAlloca {
			c.reportFreeAlloca(ctx, argVal, parent)
			return nil, false
		}

		if recBase.IsReleased() || recBase.IsRelinquished() {
			failed, retSym := didPreviousFreeFail(state, symBase)
			prevRetStatus = retSym
			if !failed {
				c.reportDoubleFree(ctx, parent, recBase.IsReleased(), symBase, prevRetStatus)
				return nil, false
			}
			// The previous free failed; freeing again is legitimate.
		} else if recBase.IsLive() || recBase.IsEscaped() {
			// The deallocator has to match the allocator that produced the
			// memory.
			if recBase.Family != c.Classify(parent, OpAny) {
				c.reportMismatchedDealloc(ctx, parent, recBase, symBase, hold)
				return nil, false
			}

			// Freeing an interior pointer releases nothing the allocator
			// handed out.
			if off, known := region.KnownOffset(); known && off != 0 {
				c.reportOffsetFree(ctx, argVal, parent, recBase.Origin)
				return nil, false
			}
		}
	}

	if symBase.Type.IsFunctionPointer() {
		c.reportFunctionPointerFree(ctx, argVal, parent)
		return nil, false
	}

	// Clear the record of any previous failed free of this symbol.
	t = tablesOf(state).removeFreeReturn(symBase)
	state = withTables(state, t)

	// When the deallocator reports failure by returning null, remember its
	// return status so a later null assumption can revive the symbol.
	if returnsNullOnFailure {
		if retStatus := symexec.AsSymbol(parent.Ret); retStatus != nil {
			ctx.Symbols().AddSymbolDependency(symBase, retStatus)
			t = tablesOf(state).setFreeReturn(symBase, retStatus)
			state = withTables(state, t)
		}
	}

	family := recBase.Family
	if !hasRec {
		family = c.Classify(parent, OpAny)
	}
	if family == FamilyNone {
		// Stored records never carry the None sentinel; an unrecognized
		// deallocator behaves like the malloc family.
		family = FamilyMalloc
	}

	t = tablesOf(state)
	if hold {
		state = withTables(state, t.setRecord(symBase, relinquishedRecord(family, parent.Stmt)))
	} else {
		state = withTables(state, t.setRecord(symBase, releasedRecord(family, parent.Stmt)))
	}
	return state, isKnownToBeAllocated
}

// isKnownDeallocObjCMethodName recognizes messages whose receiver takes
// ownership of the passed buffer, promising to eventually free() it.
func isKnownDeallocObjCMethodName(call *symexec.CallEvent) bool {
	switch call.SelectorSlot(0) {
	case "dataWithBytesNoCopy", "initWithBytesNoCopy", "initWithCharactersNoCopy":
		return true
	}
	return false
}

// getFreeWhenDoneArg finds a freeWhenDone: selector slot and returns the
// truth of its argument; ok is false when the selector has no such slot.
func getFreeWhenDoneArg(call *symexec.CallEvent) (value, ok bool) {
	for i := 1; i < len(call.Selector); i++ {
		if call.SelectorSlot(i) == "freeWhenDone" {
			return !symexec.IsZeroConstant(call.Arg(i)), true
		}
	}
	return false, false
}

// hasNoCopySelector reports whether the first selector slot ends in
// "NoCopy", which conventionally transfers buffer ownership.
func hasNoCopySelector(call *symexec.CallEvent) bool {
	return strings.HasSuffix(call.SelectorSlot(0), "NoCopy")
}
