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

// Zero-flag values of the BSD kernel malloc (M_ZERO) and the Linux kernel
// kmalloc (__GFP_ZERO). On other platforms the flags argument is ignored.
var kernelZeroFlag = map[symexec.TargetOS]int64{
	symexec.OSFreeBSD: 0x0100,
	symexec.OSNetBSD:  0x0002,
	symexec.OSOpenBSD: 0x0008,
	symexec.OSLinux:   0x8000,
}

// mallocMemAux models an allocation call: it conjures a fresh heap symbol
// for the result, default-initializes the new region with init, constrains
// its extent to size, and transitions the symbol to allocated.
func (c *Checker) mallocMemAux(ctx symexec.CheckerContext, call *symexec.CallEvent,
	size, init symexec.SVal, state symexec.State, family AllocationFamily) symexec.State {
	if state == nil {
		return nil
	}

	// The allocator must return a pointer.
	if !call.RetType.IsPointerLike() {
		return nil
	}

	b := ctx.Builder()
	retVal := b.ConjureHeapSymbol(call.Stmt, ctx.Frame(), ctx.BlockCount())

	region := retVal.Region
	if region == nil || region.Sym == nil {
		return nil
	}

	// Fill the region with the initialization value.
	state = state.BindDefaultInitial(region, init)

	// Constrain the region's extent to the size operand, when one is known.
	if !symexec.IsUnknownOrUndef(size) {
		eq := b.EvalEQ(state, b.ExtentOf(region), size)
		ifTrue, _ := state.Assume(eq)
		if ifTrue != nil {
			state = ifTrue
		}
	}

	return c.updateRefStateVal(call, state, family, retVal)
}

// updateRefState transitions the call's result symbol to allocated without
// disturbing an existing binding (strdup-style modeling, where the contents
// are already bound).
func (c *Checker) updateRefState(ctx symexec.CheckerContext, call *symexec.CallEvent,
	state symexec.State, family AllocationFamily, retVal symexec.SVal) symexec.State {
	if state == nil {
		return nil
	}
	if retVal == nil {
		retVal = call.Ret
	}
	return c.updateRefStateVal(call, state, family, retVal)
}

func (c *Checker) updateRefStateVal(call *symexec.CallEvent, state symexec.State,
	family AllocationFamily, retVal symexec.SVal) symexec.State {
	if _, ok := retVal.(symexec.Loc); !ok {
		return nil
	}

	sym := symexec.AsSymbol(retVal)
	if sym == nil {
		// The result of a non-inlined allocator is always a symbol; anything
		// else means the engine handed us a call we cannot model.
		return nil
	}

	t := tablesOf(state)
	return withTables(state, t.setRecord(sym, allocatedRecord(family, call.Stmt)))
}

// performKernelMalloc handles the three-argument BSD kernel malloc and the
// two-argument Linux kmalloc: when the flags argument provably includes the
// platform's zero flag, the allocation is modeled like calloc. The second
// result is false when regular malloc modeling should apply instead.
func (c *Checker) performKernelMalloc(ctx symexec.CheckerContext, call *symexec.CallEvent,
	state symexec.State) (symexec.State, bool) {
	zeroFlag, ok := kernelZeroFlag[ctx.TargetOS()]
	if !ok {
		return nil, false
	}

	if call.NumArgs() < 2 {
		return nil, false
	}

	flags := call.Arg(call.NumArgs() - 1)
	switch flags.(type) {
	case symexec.ConcreteInt, symexec.SymVal:
	default:
		// A location here can only come from a bad header.
		return nil, false
	}

	b := ctx.Builder()
	masked := b.EvalBinOp(state, symexec.OpAnd, flags, b.MakeIntVal(zeroFlag))
	if symexec.IsUnknownOrUndef(masked) {
		return nil, false
	}

	ifSet, ifClear := state.Assume(masked)
	if ifSet != nil && ifClear == nil {
		return c.mallocMemAux(ctx, call, call.Arg(0), b.MakeZero(), ifSet, FamilyMalloc), true
	}

	return nil, false
}

// evalMulForBufferSize computes blocks*blockBytes for the two-operand size
// shape of calloc and the g_*_n allocators.
func evalMulForBufferSize(ctx symexec.CheckerContext, state symexec.State, blocks, blockBytes symexec.SVal) symexec.SVal {
	return ctx.Builder().EvalBinOp(state, symexec.OpMul, blocks, blockBytes)
}

// callocMem models calloc: zero-initialized, size blocks*blockBytes.
func (c *Checker) callocMem(ctx symexec.CheckerContext, call *symexec.CallEvent, state symexec.State) symexec.State {
	if state == nil {
		return nil
	}
	if call.NumArgs() < 2 {
		return nil
	}
	b := ctx.Builder()
	total := evalMulForBufferSize(ctx, state, call.Arg(0), call.Arg(1))
	return c.mallocMemAux(ctx, call, total, b.MakeZero(), state, FamilyMalloc)
}

// mallocMemReturnsAttr models a function carrying ownership_returns(malloc):
// its result is a fresh malloc-family allocation, optionally sized by the
// annotated argument.
func (c *Checker) mallocMemReturnsAttr(ctx symexec.CheckerContext, call *symexec.CallEvent,
	own *symexec.Ownership, state symexec.State) symexec.State {
	if state == nil {
		return nil
	}
	if own.Module != ownershipModule {
		return nil
	}
	if len(own.Args) > 0 {
		return c.mallocMemAux(ctx, call, call.Arg(own.Args[0]), symexec.UndefinedVal{}, state, FamilyMalloc)
	}
	return c.mallocMemAux(ctx, call, symexec.UnknownVal{}, symexec.UndefinedVal{}, state, FamilyMalloc)
}

// freeMemAttr models a function carrying ownership_takes or ownership_holds:
// each annotated argument is freed (or relinquished, for holds).
func (c *Checker) freeMemAttr(ctx symexec.CheckerContext, call *symexec.CallEvent,
	own *symexec.Ownership, state symexec.State) symexec.State {
	if state == nil {
		return nil
	}
	if own.Module != ownershipModule {
		return nil
	}
	hold := own.Kind == symexec.OwnershipHolds
	for _, idx := range own.Args {
		if idx >= call.NumArgs() {
			continue
		}
		if s, _ := c.freeMemAuxVal(ctx, call.Arg(idx), call, state, hold, false); s != nil {
			state = s
		}
	}
	return state
}

// processZeroAllocCheck splits the path on "size argument == 0". On the
// definite-zero side, a tracked allocation is re-stated as zero-sized; an
// untracked result (zero-size realloc) joins the zero-size set. Otherwise
// the path continues with the size assumed non-zero.
func (c *Checker) processZeroAllocCheck(ctx symexec.CheckerContext, call *symexec.CallEvent,
	sizeArg int, state symexec.State, retVal symexec.SVal) symexec.State {
	if state == nil {
		return nil
	}

	if retVal == nil {
		retVal = call.Ret
	}

	var arg symexec.SVal
	switch call.Kind {
	case symexec.CallNew:
		if !call.ArrayForm {
			return state
		}
		arg = call.ElementCount
	default:
		arg = call.Arg(sizeArg)
	}

	if symexec.IsUnknownOrUndef(arg) {
		return state
	}

	b := ctx.Builder()
	eq := b.EvalEQ(state, arg, b.MakeZero())
	ifZero, ifNonZero := state.Assume(eq)

	if ifZero != nil && ifNonZero == nil {
		sym := symexec.AsSymbol(retVal)
		if sym == nil {
			return state
		}
		t := tablesOf(ifZero)
		if rec, ok := t.Record(sym); ok {
			if rec.IsAllocated() {
				return withTables(ifZero, t.setRecord(sym, zeroSizedRecord(rec)))
			}
			return state
		}
		// Zero-size realloc: the result is not tracked, but uses of it are
		// still worth flagging.
		return withTables(ifZero, t.addZeroSized(sym))
	}

	if ifNonZero == nil {
		return state
	}
	return ifNonZero
}

// processNewAllocation models the allocator part of a new expression.
func (c *Checker) processNewAllocation(call *symexec.CallEvent, ctx symexec.CheckerContext) {
	if !isStandardNewDelete(call.Callee) {
		return
	}

	// Constructors with pointer-to-record arguments can stash 'this'
	// somewhere we do not see; skip unconsumed news with such constructors
	// rather than produce false leaks.
	if !call.ConsumedResult && call.NonTrivialConstructor {
		return
	}

	family := FamilyCXXNew
	if call.ArrayForm {
		family = FamilyCXXNewArray
	}

	// The engine already bound the result (the constructor may have run), so
	// update the lifecycle without re-conjuring.
	state := c.updateRefState(ctx, call, ctx.State(), family, call.Ret)
	if state == nil {
		return
	}
	state = addExtentSize(ctx, call, state)
	state = c.processZeroAllocCheck(ctx, call, 0, state, call.Ret)
	if state != nil {
		ctx.AddTransition(state)
	}
}

// addExtentSize constrains the extent of the region allocated by a new
// expression: element-count times element-size for array new, one element
// otherwise. Casts on the target are stripped first.
func addExtentSize(ctx symexec.CheckerContext, call *symexec.CallEvent, state symexec.State) symexec.State {
	if state == nil {
		return nil
	}

	region := symexec.AsRegion(call.Ret)
	if region == nil {
		return state
	}

	b := ctx.Builder()
	var count symexec.SVal
	if call.ArrayForm {
		count = call.ElementCount
		region = region.StripCasts()
	} else {
		count = b.MakeIntVal(1)
	}

	switch count.(type) {
	case symexec.ConcreteInt, symexec.SymVal:
	default:
		return state
	}

	sizeInBytes := b.EvalBinOp(state, symexec.OpMul, count, b.MakeIntVal(call.ElementSize))
	eq := b.EvalEQ(state, b.ExtentOf(region), sizeInBytes)
	if ifTrue, _ := state.Assume(eq); ifTrue != nil {
		return ifTrue
	}
	return state
}
