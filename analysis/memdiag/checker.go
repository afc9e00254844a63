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
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/heaplens/heaplens/analysis/config"
	"github.com/heaplens/heaplens/analysis/symexec"
)

// checkKind identifies the sub-checker a diagnostic belongs to. The
// lifecycle modeling always runs; kinds only gate which reports are emitted.
type checkKind int

const (
	ckMalloc checkKind = iota
	ckNewDelete
	ckNewDeleteLeaks
	ckMismatchedDeallocator
	ckInnerPointer
	numCheckKinds
)

var checkNames = [numCheckKinds]string{
	"unix.Malloc",
	"cplusplus.NewDelete",
	"cplusplus.NewDeleteLeaks",
	"unix.MismatchedDeallocator",
	"cplusplus.InnerPointer",
}

// Checker is the heap-lifecycle checker. One instance serves a whole
// analysis; all per-path data lives in the engine's states.
type Checker struct {
	logger *config.LogGroup

	optimistic       bool
	suppressRefcount bool
	enabled          [numCheckKinds]bool
}

var _ symexec.Checker = (*Checker)(nil)

// NewChecker builds a checker from the run configuration.
func NewChecker(cfg *config.Config, logger *config.LogGroup) *Checker {
	c := &Checker{
		logger:           logger,
		optimistic:       cfg.Optimistic,
		suppressRefcount: cfg.SuppressRefcountDestructors,
	}
	c.enabled[ckMalloc] = cfg.Checks.Malloc
	c.enabled[ckNewDelete] = cfg.Checks.NewDelete
	c.enabled[ckNewDeleteLeaks] = cfg.Checks.NewDeleteLeaks
	c.enabled[ckMismatchedDeallocator] = cfg.Checks.MismatchedDeallocator
	c.enabled[ckInnerPointer] = cfg.Checks.InnerPointer
	return c
}

// PostCall models the effect of a plain function call: allocations,
// deallocations, reallocations, and ownership annotations.
func (c *Checker) PostCall(call *symexec.CallEvent, ctx symexec.CheckerContext) {
	if ctx.WasInlined() {
		return
	}
	fd := call.Callee
	if fd == nil || call.Kind != symexec.CallFunction {
		return
	}

	state := ctx.State()

	switch name := fd.Name; {
	case name == "malloc" || name == "g_malloc" || name == "g_try_malloc":
		switch call.NumArgs() {
		default:
			return
		case 1:
			state = c.mallocMemAux(ctx, call, call.Arg(0), symexec.UndefinedVal{}, state, FamilyMalloc)
			state = c.processZeroAllocCheck(ctx, call, 0, state, nil)
		case 2:
			state = c.mallocMemAux(ctx, call, call.Arg(0), symexec.UndefinedVal{}, state, FamilyMalloc)
		case 3:
			if kState, ok := c.performKernelMalloc(ctx, call, state); ok {
				state = kState
			} else {
				state = c.mallocMemAux(ctx, call, call.Arg(0), symexec.UndefinedVal{}, state, FamilyMalloc)
			}
		}
	case name == "kmalloc":
		if call.NumArgs() < 1 {
			return
		}
		if kState, ok := c.performKernelMalloc(ctx, call, state); ok {
			state = kState
		} else {
			state = c.mallocMemAux(ctx, call, call.Arg(0), symexec.UndefinedVal{}, state, FamilyMalloc)
		}
	case name == "valloc":
		if call.NumArgs() < 1 {
			return
		}
		state = c.mallocMemAux(ctx, call, call.Arg(0), symexec.UndefinedVal{}, state, FamilyMalloc)
		state = c.processZeroAllocCheck(ctx, call, 0, state, nil)
	case name == "realloc" || name == "g_realloc" || name == "g_try_realloc":
		state = c.reallocMemAux(ctx, call, false, state, false)
		state = c.processZeroAllocCheck(ctx, call, 1, state, nil)
	case name == "reallocf":
		state = c.reallocMemAux(ctx, call, true, state, false)
		state = c.processZeroAllocCheck(ctx, call, 1, state, nil)
	case name == "calloc":
		state = c.callocMem(ctx, call, state)
		state = c.processZeroAllocCheck(ctx, call, 0, state, nil)
		state = c.processZeroAllocCheck(ctx, call, 1, state, nil)
	case name == "free" || name == "g_free" || name == "kfree":
		if c.suppressDeallocationsInSuspiciousContexts(call, ctx) {
			return
		}
		state, _ = c.freeMemAux(ctx, call, 0, state, false, false)
	case name == "strdup" || name == "_strdup" || name == "wcsdup" || name == "_wcsdup" || name == "strndup":
		state = c.updateRefState(ctx, call, state, FamilyMalloc, nil)
	case name == "alloca" || name == "_alloca":
		if call.NumArgs() < 1 {
			return
		}
		state = c.mallocMemAux(ctx, call, call.Arg(0), symexec.UndefinedVal{}, state, FamilyAlloca)
		state = c.processZeroAllocCheck(ctx, call, 0, state, nil)
	case isStandardNewDelete(fd):
		// Direct calls to the operator functions, as distinct from new and
		// delete expressions.
		switch fd.Operator {
		case symexec.OpNew:
			state = c.mallocMemAux(ctx, call, call.Arg(0), symexec.UndefinedVal{}, state, FamilyCXXNew)
			state = c.processZeroAllocCheck(ctx, call, 0, state, nil)
		case symexec.OpArrayNew:
			state = c.mallocMemAux(ctx, call, call.Arg(0), symexec.UndefinedVal{}, state, FamilyCXXNewArray)
			state = c.processZeroAllocCheck(ctx, call, 0, state, nil)
		case symexec.OpDelete, symexec.OpArrayDelete:
			state, _ = c.freeMemAux(ctx, call, 0, state, false, false)
		}
	case name == "if_nameindex":
		state = c.mallocMemAux(ctx, call, symexec.UnknownVal{}, symexec.UnknownVal{}, state, FamilyIfNameIndex)
	case name == "if_freenameindex":
		state, _ = c.freeMemAux(ctx, call, 0, state, false, false)
	case name == "g_malloc0" || name == "g_try_malloc0":
		if call.NumArgs() < 1 {
			return
		}
		state = c.mallocMemAux(ctx, call, call.Arg(0), ctx.Builder().MakeZero(), state, FamilyMalloc)
		state = c.processZeroAllocCheck(ctx, call, 0, state, nil)
	case name == "g_memdup":
		if call.NumArgs() < 2 {
			return
		}
		state = c.mallocMemAux(ctx, call, call.Arg(1), symexec.UndefinedVal{}, state, FamilyMalloc)
		state = c.processZeroAllocCheck(ctx, call, 1, state, nil)
	case name == "g_malloc_n" || name == "g_try_malloc_n" || name == "g_malloc0_n" || name == "g_try_malloc0_n":
		if call.NumArgs() < 2 {
			return
		}
		var init symexec.SVal = symexec.UndefinedVal{}
		if name == "g_malloc0_n" || name == "g_try_malloc0_n" {
			init = ctx.Builder().MakeZero()
		}
		total := evalMulForBufferSize(ctx, state, call.Arg(0), call.Arg(1))
		state = c.mallocMemAux(ctx, call, total, init, state, FamilyMalloc)
		state = c.processZeroAllocCheck(ctx, call, 0, state, nil)
		state = c.processZeroAllocCheck(ctx, call, 1, state, nil)
	case name == "g_realloc_n" || name == "g_try_realloc_n":
		if call.NumArgs() < 3 {
			return
		}
		state = c.reallocMemAux(ctx, call, false, state, true)
		state = c.processZeroAllocCheck(ctx, call, 1, state, nil)
		state = c.processZeroAllocCheck(ctx, call, 2, state, nil)
	}

	if c.optimistic || c.enabled[ckMismatchedDeallocator] {
		// Ownership annotations; a function can carry several.
		for i := range fd.Ownership {
			own := &fd.Ownership[i]
			switch own.Kind {
			case symexec.OwnershipReturns:
				if s := c.mallocMemReturnsAttr(ctx, call, own, state); s != nil {
					state = s
				}
			case symexec.OwnershipTakes, symexec.OwnershipHolds:
				if s := c.freeMemAttr(ctx, call, own, state); s != nil {
					state = s
				}
			}
		}
	}

	if state != nil {
		ctx.AddTransition(state)
	}
}

// PreCall checks call operands for use-after-free and deleted receivers
// before the call itself is modeled.
func (c *Checker) PreCall(call *symexec.CallEvent, ctx symexec.CheckerContext) {
	if call.Kind == symexec.CallDestructor {
		sym := symexec.AsSymbol(call.Receiver)
		if sym == nil || c.checkDoubleDelete(sym, ctx) {
			return
		}
	}

	// Deallocations are checked in the post visit.
	if call.Kind == symexec.CallFunction && call.Callee != nil {
		if c.enabled[ckMalloc] &&
			(isCMemFunction(call.Callee, FamilyMalloc, OpFree, c.optimistic) ||
				isCMemFunction(call.Callee, FamilyIfNameIndex, OpFree, c.optimistic)) {
			return
		}
	}

	if call.Kind == symexec.CallInstanceMethod {
		sym := symexec.AsSymbol(call.Receiver)
		if sym == nil || c.checkUseAfterFree(sym, ctx, call.Stmt) {
			return
		}
	}

	for i := 0; i < call.NumArgs(); i++ {
		arg := call.Arg(i)
		if _, ok := arg.(symexec.Loc); !ok {
			continue
		}
		sym := symexec.AsSymbol(arg)
		if sym == nil {
			continue
		}
		if c.checkUseAfterFree(sym, ctx, call.Stmt) {
			return
		}
	}
}

// PostNew models the allocator part of a new expression.
func (c *Checker) PostNew(call *symexec.CallEvent, ctx symexec.CheckerContext) {
	if ctx.WasInlined() {
		return
	}
	c.processNewAllocation(call, ctx)
}

// PreDelete models a delete expression.
func (c *Checker) PreDelete(call *symexec.CallEvent, ctx symexec.CheckerContext) {
	if !c.enabled[ckNewDelete] {
		if sym := symexec.AsSymbol(call.Arg(0)); sym != nil {
			c.checkUseAfterFree(sym, ctx, call.Stmt)
		}
	}

	if !isStandardNewDelete(call.Callee) {
		return
	}

	state, _ := c.freeMemAuxVal(ctx, call.Arg(0), call, ctx.State(), false, false)
	if state != nil {
		ctx.AddTransition(state)
	}
}

// PostObjCMessage models messages whose receiver takes ownership of a
// malloc'd buffer (initWithBytesNoCopy: and relatives).
func (c *Checker) PostObjCMessage(call *symexec.CallEvent, ctx symexec.CheckerContext) {
	if ctx.WasInlined() {
		return
	}

	if !isKnownDeallocObjCMethodName(call) {
		return
	}

	if freeWhenDone, ok := getFreeWhenDoneArg(call); ok && !freeWhenDone {
		return
	}

	if call.HasCallbackArg {
		return
	}

	state, _ := c.freeMemAuxVal(ctx, call.Arg(0), call, ctx.State(), true, true)
	if state != nil {
		ctx.AddTransition(state)
	}
}

// PostBlock stops tracking symbols captured by a block literal; the block
// may free them at an arbitrary later point.
func (c *Checker) PostBlock(call *symexec.CallEvent, ctx symexec.CheckerContext) {
	if len(call.Args) == 0 {
		return
	}
	state := ctx.State()
	t := tablesOf(state)
	changed := false
	for _, captured := range call.Args {
		sym := symexec.AsSymbol(captured)
		if sym == nil {
			continue
		}
		if _, ok := t.Record(sym); ok {
			t = t.removeRecord(sym)
			changed = true
		}
	}
	if changed {
		ctx.AddTransition(withTables(state, t))
	}
}

// Location diagnoses loads and stores through freed or zero-sized memory.
func (c *Checker) Location(loc symexec.SVal, isLoad bool, stmt *symexec.Stmt, ctx symexec.CheckerContext) {
	sym := symexec.LocSymbolInBase(loc)
	if sym == nil {
		return
	}
	if c.checkUseAfterFree(sym, ctx, stmt) {
		return
	}
	c.checkUseZeroAllocated(sym, ctx, stmt)
}

// PreReturn diagnoses returning freed memory.
func (c *Checker) PreReturn(ret symexec.SVal, stmt *symexec.Stmt, ctx symexec.CheckerContext) {
	c.checkEscapeOnReturn(ret, stmt, ctx)
}

// EndFunction re-runs the return check after automatic destructors, which
// execute past the return statement.
func (c *Checker) EndFunction(ret symexec.SVal, stmt *symexec.Stmt, ctx symexec.CheckerContext) {
	c.checkEscapeOnReturn(ret, stmt, ctx)
}

func (c *Checker) checkEscapeOnReturn(ret symexec.SVal, stmt *symexec.Stmt, ctx symexec.CheckerContext) {
	if ret == nil || stmt == nil {
		return
	}

	sym := symexec.AsSymbol(ret)
	if sym == nil {
		// Returning a field or element of tracked memory still lets the
		// caller free the whole allocation.
		if region := symexec.AsRegion(ret); region != nil {
			if region.Kind == symexec.RegionField || region.Kind == symexec.RegionElement {
				sym = region.BaseSymbol()
			}
		}
	}

	if sym != nil {
		c.checkUseAfterFree(sym, ctx, stmt)
	}
}

func isReleasedIn(state symexec.State, sym *symexec.Symbol) bool {
	rec, ok := tablesOf(state).Record(sym)
	return ok && rec.IsReleased()
}

func (c *Checker) checkUseAfterFree(sym *symexec.Symbol, ctx symexec.CheckerContext, stmt *symexec.Stmt) bool {
	if isReleasedIn(ctx.State(), sym) {
		c.reportUseAfterFree(ctx, sym, stmt)
		return true
	}
	return false
}

func (c *Checker) checkUseZeroAllocated(sym *symexec.Symbol, ctx symexec.CheckerContext, stmt *symexec.Stmt) {
	t := tablesOf(ctx.State())
	if rec, ok := t.Record(sym); ok {
		if rec.IsAllocatedOfSizeZero() {
			c.reportUseZeroAllocated(ctx, sym, rec.Origin)
		}
	} else if t.IsZeroSized(sym) {
		c.reportUseZeroAllocated(ctx, sym, stmt)
	}
}

func (c *Checker) checkDoubleDelete(sym *symexec.Symbol, ctx symexec.CheckerContext) bool {
	if isReleasedIn(ctx.State(), sym) {
		c.reportDoubleDelete(ctx, sym)
		return true
	}
	return false
}

// suppressDeallocationsInSuspiciousContexts escapes the arguments of a free
// call that sits inside a function following a retain-count protocol the
// checker does not model (the Integer Set Library convention).
func (c *Checker) suppressDeallocationsInSuspiciousContexts(call *symexec.CallEvent, ctx symexec.CheckerContext) bool {
	if call.NumArgs() == 0 {
		return false
	}

	frame := ctx.Frame()
	if frame == nil || !strings.Contains(frame.FuncName, "__isl_") {
		return false
	}

	state := ctx.State()
	t := tablesOf(state)
	for _, arg := range call.Args {
		sym := symexec.AsSymbol(arg)
		if sym == nil {
			continue
		}
		if rec, ok := t.Record(sym); ok {
			t = t.setRecord(sym, escapedRecord(rec))
		}
	}
	ctx.AddTransition(withTables(state, t))
	return true
}

// PrintState dumps the tracked symbols, for the engine's state debugging.
func (c *Checker) PrintState(w io.Writer, state symexec.State) {
	t := tablesOf(state)
	if t.RegionCount() == 0 {
		return
	}

	type entry struct {
		sym *symexec.Symbol
		rec RefRecord
	}
	var entries []entry
	t.eachRecord(func(sym *symexec.Symbol, rec RefRecord) {
		entries = append(entries, entry{sym, rec})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].sym.ID < entries[j].sym.ID })

	fmt.Fprintf(w, "heap lifecycle:\n")
	for _, e := range entries {
		kind, ok := c.checkIfTracked(e.rec.Family, false)
		if !ok {
			kind, ok = c.checkIfTracked(e.rec.Family, true)
		}
		fmt.Fprintf(w, "%s : %s %s", e.sym, e.rec.State, e.rec.Family)
		if ok {
			fmt.Fprintf(w, " (%s)", checkNames[kind])
		}
		fmt.Fprintln(w)
	}
}
