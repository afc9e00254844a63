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
	"strings"

	"github.com/heaplens/heaplens/analysis/symexec"
)

// Bug-type categories.
const (
	doubleFreeCategory     = "Double free"
	doubleDeleteCategory   = "Double delete"
	leakCategory           = "Memory leak"
	useAfterFreeCategory   = "Use-after-free"
	badFreeCategory        = "Bad free"
	freeAllocaCategory     = "Free alloca()"
	mismatchedCategory     = "Bad deallocator"
	offsetFreeCategory     = "Offset free"
	useZeroAllocedCategory = "Use of zero allocated"
)

// checkIfTracked maps an allocation family to the sub-checker responsible
// for its diagnostics, honoring the configured toggles. Leak reports of the
// new family route to the dedicated leak toggle.
func (c *Checker) checkIfTracked(family AllocationFamily, isLeak bool) (checkKind, bool) {
	switch family {
	case FamilyMalloc, FamilyAlloca, FamilyIfNameIndex:
		if c.enabled[ckMalloc] {
			return ckMalloc, true
		}
	case FamilyCXXNew, FamilyCXXNewArray:
		if isLeak {
			if c.enabled[ckNewDeleteLeaks] {
				return ckNewDeleteLeaks, true
			}
		} else if c.enabled[ckNewDelete] {
			return ckNewDelete, true
		}
	case FamilyInnerBuffer:
		if c.enabled[ckInnerPointer] {
			return ckInnerPointer, true
		}
	}
	return 0, false
}

func (c *Checker) checkIfTrackedCall(call *symexec.CallEvent, isLeak bool) (checkKind, bool) {
	return c.checkIfTracked(c.Classify(call, OpAny), isLeak)
}

func (c *Checker) checkIfTrackedSym(state symexec.State, sym *symexec.Symbol, isLeak bool) (checkKind, bool) {
	t := tablesOf(state)
	if t.IsZeroSized(sym) {
		if c.enabled[ckMalloc] {
			return ckMalloc, true
		}
		return 0, false
	}
	rec, ok := t.Record(sym)
	if !ok {
		return 0, false
	}
	return c.checkIfTracked(rec.Family, isLeak)
}

// printAllocDeallocName renders the operation at stmt the way diagnostics
// name it ("free()", "'delete'", "-initWithBytesNoCopy:").
func printAllocDeallocName(stmt *symexec.Stmt) (string, bool) {
	if stmt == nil || stmt.Spelling == "" {
		return "", false
	}
	switch stmt.Kind {
	case symexec.StmtCall:
		if strings.HasPrefix(stmt.Spelling, "operator ") {
			return "'" + strings.TrimPrefix(stmt.Spelling, "operator ") + "'", true
		}
		return stmt.Spelling + "()", true
	case symexec.StmtNew, symexec.StmtDelete:
		return "'" + stmt.Spelling + "'", true
	case symexec.StmtObjCMessage:
		return "-" + stmt.Spelling, true
	}
	return "", false
}

func printExpectedAllocName(family AllocationFamily) string {
	switch family {
	case FamilyMalloc:
		return "malloc()"
	case FamilyCXXNew:
		return "'new'"
	case FamilyCXXNewArray:
		return "'new[]'"
	case FamilyIfNameIndex:
		return "'if_nameindex()'"
	case FamilyInnerBuffer:
		return "container-specific allocator"
	}
	return "an unknown allocator"
}

func printExpectedDeallocName(family AllocationFamily) string {
	switch family {
	case FamilyMalloc:
		return "free()"
	case FamilyCXXNew:
		return "'delete'"
	case FamilyCXXNewArray:
		return "'delete[]'"
	case FamilyIfNameIndex:
		return "'if_freenameindex()'"
	case FamilyInnerBuffer:
		return "container-specific deallocator"
	}
	return "an unknown deallocator"
}

// summarizeValue describes a region-less value for a bad-free message.
func summarizeValue(v symexec.SVal) (string, bool) {
	switch vv := v.(type) {
	case symexec.ConcreteInt:
		return fmt.Sprintf("a constant address (%d)", vv.Value), true
	case symexec.GotoLabel:
		return fmt.Sprintf("the address of the label '%s'", vv.Name), true
	}
	return "", false
}

// summarizeRegion describes where a non-heap region lives, for a bad-free
// message.
func summarizeRegion(region *symexec.Region) (string, bool) {
	switch region.Kind {
	case symexec.RegionFunctionCode:
		if region.VarName != "" {
			return fmt.Sprintf("the address of the function '%s'", region.VarName), true
		}
		return "the address of a function", true
	case symexec.RegionBlockData:
		return "a block", true
	}

	switch region.MemorySpace() {
	case symexec.SpaceStackLocals:
		if region.Kind == symexec.RegionVar && region.VarName != "" {
			return fmt.Sprintf("the address of the local variable '%s'", region.VarName), true
		}
		return "the address of a local stack variable", true
	case symexec.SpaceStackArgs:
		if region.Kind == symexec.RegionVar && region.VarName != "" {
			return fmt.Sprintf("the address of the parameter '%s'", region.VarName), true
		}
		return "the address of a parameter", true
	case symexec.SpaceGlobals:
		if region.Kind == symexec.RegionVar && region.VarName != "" {
			if region.IsStaticLocal {
				return fmt.Sprintf("the address of the static variable '%s'", region.VarName), true
			}
			return fmt.Sprintf("the address of the global variable '%s'", region.VarName), true
		}
		return "the address of a global variable", true
	}
	return "", false
}

func (c *Checker) reportBadFree(ctx symexec.CheckerContext, argVal symexec.SVal, parent *symexec.CallEvent) {
	if !c.enabled[ckMalloc] && !c.enabled[ckNewDelete] {
		return
	}
	kind, ok := c.checkIfTrackedCall(parent, false)
	if !ok {
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}

	var sb strings.Builder
	region := symexec.AsRegion(argVal)
	for region != nil && region.Kind == symexec.RegionElement {
		region = region.Super
	}

	sb.WriteString("Argument to ")
	if name, ok := printAllocDeallocName(parent.Stmt); ok {
		sb.WriteString(name)
	} else {
		sb.WriteString("deallocator")
	}
	sb.WriteString(" is ")

	summarized := false
	var summary string
	if region != nil {
		summary, summarized = summarizeRegion(region)
	} else {
		summary, summarized = summarizeValue(argVal)
	}
	if summarized {
		sb.WriteString(summary)
		sb.WriteString(", which is not memory allocated by ")
	} else {
		sb.WriteString("not memory allocated by ")
	}
	sb.WriteString(printExpectedAllocName(c.Classify(parent, OpAny)))

	r := symexec.NewReport(badFreeCategory, sb.String(), node)
	r.CheckName = checkNames[kind]
	r.MarkInterestingRegion(region)
	ctx.EmitReport(r)
}

func (c *Checker) reportFreeAlloca(ctx symexec.CheckerContext, argVal symexec.SVal, parent *symexec.CallEvent) {
	var kind checkKind
	switch {
	case c.enabled[ckMalloc]:
		kind = ckMalloc
	case c.enabled[ckMismatchedDeallocator]:
		kind = ckMismatchedDeallocator
	default:
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}
	r := symexec.NewReport(freeAllocaCategory,
		"Memory allocated by alloca() should not be deallocated", node)
	r.CheckName = checkNames[kind]
	r.MarkInterestingRegion(symexec.AsRegion(argVal))
	ctx.EmitReport(r)
}

func (c *Checker) reportMismatchedDealloc(ctx symexec.CheckerContext, parent *symexec.CallEvent,
	rec RefRecord, sym *symexec.Symbol, ownershipTransferred bool) {
	if !c.enabled[ckMismatchedDeallocator] {
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}

	var sb strings.Builder
	allocName, hasAllocName := printAllocDeallocName(rec.Origin)
	deallocName, hasDeallocName := printAllocDeallocName(parent.Stmt)

	if ownershipTransferred {
		if hasDeallocName {
			sb.WriteString(deallocName)
			sb.WriteString(" cannot")
		} else {
			sb.WriteString("Cannot")
		}
		sb.WriteString(" take ownership of memory")
		if hasAllocName {
			sb.WriteString(" allocated by ")
			sb.WriteString(allocName)
		}
	} else {
		sb.WriteString("Memory")
		if hasAllocName {
			sb.WriteString(" allocated by ")
			sb.WriteString(allocName)
		}
		sb.WriteString(" should be deallocated by ")
		sb.WriteString(printExpectedDeallocName(rec.Family))
		if hasDeallocName {
			sb.WriteString(", not ")
			sb.WriteString(deallocName)
		}
	}

	r := symexec.NewReport(mismatchedCategory, sb.String(), node)
	r.CheckName = checkNames[ckMismatchedDeallocator]
	r.MarkInteresting(sym)
	r.AddVisitor(newLifecycleVisitor(c, sym, false))
	ctx.EmitReport(r)
}

func (c *Checker) reportOffsetFree(ctx symexec.CheckerContext, argVal symexec.SVal,
	parent *symexec.CallEvent, allocStmt *symexec.Stmt) {
	if !c.enabled[ckMalloc] && !c.enabled[ckNewDelete] {
		return
	}
	kind, ok := c.checkIfTracked(familyOfStmt(allocStmt), false)
	if !ok {
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}

	region := symexec.AsRegion(argVal)
	offset, _ := region.KnownOffset()
	unit := "bytes"
	if offset == 1 || offset == -1 {
		unit = "byte"
	}

	var sb strings.Builder
	sb.WriteString("Argument to ")
	if name, ok := printAllocDeallocName(parent.Stmt); ok {
		sb.WriteString(name)
	} else {
		sb.WriteString("deallocator")
	}
	fmt.Fprintf(&sb, " is offset by %d %s from the start of ", offset, unit)
	if allocName, ok := printAllocDeallocName(allocStmt); ok {
		sb.WriteString("memory allocated by ")
		sb.WriteString(allocName)
	} else {
		sb.WriteString("allocated memory")
	}

	r := symexec.NewReport(offsetFreeCategory, sb.String(), node)
	r.CheckName = checkNames[kind]
	r.MarkInterestingRegion(region.BaseRegion())
	ctx.EmitReport(r)
}

func (c *Checker) reportUseAfterFree(ctx symexec.CheckerContext, sym *symexec.Symbol, stmt *symexec.Stmt) {
	if !c.enabled[ckMalloc] && !c.enabled[ckNewDelete] && !c.enabled[ckInnerPointer] {
		return
	}
	kind, ok := c.checkIfTrackedSym(ctx.State(), sym, false)
	if !ok {
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}

	msg := "Use of memory after it is freed"
	if rec, ok := tablesOf(ctx.State()).Record(sym); ok && rec.Family == FamilyInnerBuffer {
		msg = "Inner pointer of container used after re/deallocation"
	}

	r := symexec.NewReport(useAfterFreeCategory, msg, node)
	r.CheckName = checkNames[kind]
	r.MarkInteresting(sym)
	r.AddVisitor(newLifecycleVisitor(c, sym, false))
	ctx.EmitReport(r)
}

func (c *Checker) reportDoubleFree(ctx symexec.CheckerContext, parent *symexec.CallEvent,
	released bool, sym, prevSym *symexec.Symbol) {
	if !c.enabled[ckMalloc] && !c.enabled[ckNewDelete] {
		return
	}
	kind, ok := c.checkIfTrackedSym(ctx.State(), sym, false)
	if !ok {
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}

	msg := "Attempt to free released memory"
	if !released {
		msg = "Attempt to free non-owned memory"
	}

	r := symexec.NewReport(doubleFreeCategory, msg, node)
	r.CheckName = checkNames[kind]
	r.MarkInteresting(sym)
	if prevSym != nil {
		r.MarkInteresting(prevSym)
	}
	r.AddVisitor(newLifecycleVisitor(c, sym, false))
	ctx.EmitReport(r)
}

func (c *Checker) reportDoubleDelete(ctx symexec.CheckerContext, sym *symexec.Symbol) {
	if !c.enabled[ckNewDelete] {
		return
	}
	if _, ok := c.checkIfTrackedSym(ctx.State(), sym, false); !ok {
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}
	r := symexec.NewReport(doubleDeleteCategory, "Attempt to delete released memory", node)
	r.CheckName = checkNames[ckNewDelete]
	r.MarkInteresting(sym)
	r.AddVisitor(newLifecycleVisitor(c, sym, false))
	ctx.EmitReport(r)
}

func (c *Checker) reportUseZeroAllocated(ctx symexec.CheckerContext, sym *symexec.Symbol, stmt *symexec.Stmt) {
	if !c.enabled[ckMalloc] && !c.enabled[ckNewDelete] {
		return
	}
	kind, ok := c.checkIfTrackedSym(ctx.State(), sym, false)
	if !ok {
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}
	r := symexec.NewReport(useZeroAllocedCategory, "Use of zero-allocated memory", node)
	r.CheckName = checkNames[kind]
	if sym != nil {
		r.MarkInteresting(sym)
		r.AddVisitor(newLifecycleVisitor(c, sym, false))
	}
	ctx.EmitReport(r)
}

func (c *Checker) reportFunctionPointerFree(ctx symexec.CheckerContext, argVal symexec.SVal, parent *symexec.CallEvent) {
	if !c.enabled[ckMalloc] {
		return
	}
	kind, ok := c.checkIfTrackedCall(parent, false)
	if !ok {
		return
	}
	node := ctx.GenerateErrorNode()
	if node == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString("Argument to ")
	if name, ok := printAllocDeallocName(parent.Stmt); ok {
		sb.WriteString(name)
	} else {
		sb.WriteString("deallocator")
	}
	sb.WriteString(" is a function pointer")

	region := symexec.AsRegion(argVal)
	for region != nil && region.Kind == symexec.RegionElement {
		region = region.Super
	}

	r := symexec.NewReport(badFreeCategory, sb.String(), node)
	r.CheckName = checkNames[kind]
	r.MarkInterestingRegion(region)
	ctx.EmitReport(r)
}
