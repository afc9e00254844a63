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
	"github.com/heaplens/heaplens/analysis/symexec"
)

// reallocMemAux decomposes toPtr = realloc(fromPtr, size) into its cases:
// a null fromPtr behaves like malloc, a zero size like free, and the general
// case frees the old memory, allocates the new, and records the pair so a
// later failure assumption can restore the source symbol. shouldFreeOnFail
// selects the reallocf policy; suffixWithN the three-argument g_realloc_n
// shape, whose size is arg1*arg2.
func (c *Checker) reallocMemAux(ctx symexec.CheckerContext, call *symexec.CallEvent,
	shouldFreeOnFail bool, state symexec.State, suffixWithN bool) symexec.State {
	if state == nil {
		return nil
	}

	if suffixWithN && call.NumArgs() < 3 {
		return nil
	} else if call.NumArgs() < 2 {
		return nil
	}

	arg0Val := call.Arg(0)
	if symexec.IsUnknownOrUndef(arg0Val) {
		return nil
	}

	b := ctx.Builder()
	ptrEQ := b.EvalEQ(state, arg0Val, b.MakeNull())

	totalSize := call.Arg(1)
	if suffixWithN {
		totalSize = evalMulForBufferSize(ctx, state, call.Arg(1), call.Arg(2))
	}
	if symexec.IsUnknownOrUndef(totalSize) {
		return nil
	}

	sizeZero := b.EvalEQ(state, totalSize, b.MakeIntVal(0))

	statePtrIsNull, statePtrNotNull := state.Assume(ptrEQ)
	stateSizeIsZero, stateSizeNotZero := state.Assume(sizeZero)

	// Only take the exceptional paths when they are definitely true; an
	// under-constrained call gets the regular realloc modeling.
	ptrIsNull := statePtrIsNull != nil && statePtrNotNull == nil
	sizeIsZero := stateSizeIsZero != nil && stateSizeNotZero == nil

	// realloc(NULL, size) is malloc(size).
	if ptrIsNull && !sizeIsZero {
		return c.mallocMemAux(ctx, call, totalSize, symexec.UndefinedVal{}, statePtrIsNull, FamilyMalloc)
	}

	// realloc(NULL, 0) may return NULL or a freeable pointer; both are fine.
	if ptrIsNull && sizeIsZero {
		return state
	}

	fromPtr := symexec.AsSymbol(arg0Val)
	toPtr := symexec.AsSymbol(call.Ret)
	if fromPtr == nil || toPtr == nil {
		return nil
	}

	// realloc(ptr, 0) frees ptr; the result is not bound.
	if sizeIsZero {
		if stateFree, _ := c.freeMemAux(ctx, call, 0, stateSizeIsZero, false, false); stateFree != nil {
			return stateFree
		}
	}

	// General case. The free below deliberately starts from the un-split
	// state, mirroring how this has always been sequenced; see the
	// regression test before changing it.
	stateFree, isKnownToBeAllocated := c.freeMemAux(ctx, call, 0, state, false, false)
	if stateFree == nil {
		return nil
	}

	stateRealloc := c.mallocMemAux(ctx, call, totalSize, symexec.UnknownVal{}, stateFree, FamilyMalloc)
	if stateRealloc == nil {
		return nil
	}

	policy := ToBeFreedAfterFailure
	if shouldFreeOnFail {
		policy = FreeOnFailure
	} else if !isKnownToBeAllocated {
		policy = DoNotTrackAfterFailure
	}

	t := tablesOf(stateRealloc).setPair(toPtr, ReallocPair{From: fromPtr, Policy: policy})
	stateRealloc = withTables(stateRealloc, t)

	// The reallocated-from symbol must stay alive as long as the new one:
	// a failure assumption on toPtr still needs to restore fromPtr.
	ctx.Symbols().AddSymbolDependency(toPtr, fromPtr)
	return stateRealloc
}
