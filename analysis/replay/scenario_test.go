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

package replay_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/heaplens/heaplens/analysis/config"
	"github.com/heaplens/heaplens/analysis/memdiag"
	"github.com/heaplens/heaplens/analysis/replay"
	"github.com/heaplens/heaplens/analysis/symexec"
)

func runTrace(t *testing.T, mutate func(*config.Config), src string) ([]*symexec.Report, *replay.Engine) {
	t.Helper()
	cfg := config.NewDefault()
	if mutate != nil {
		mutate(cfg)
	}
	logger := config.NewLogGroup(cfg)

	trace, err := replay.ParseTrace([]byte(src))
	if err != nil {
		t.Fatalf("could not parse trace: %v", err)
	}
	eng := replay.NewEngine(cfg, logger, memdiag.NewChecker(cfg, logger))
	if err := eng.Run(trace); err != nil {
		t.Fatalf("could not replay trace: %v", err)
	}
	return eng.Finish(), eng
}

func summaries(reports []*symexec.Report) []string {
	var out []string
	for _, r := range reports {
		out = append(out, fmt.Sprintf("%s @ %s: %s", r.Category, r.Pos(), r.Message))
	}
	return out
}

func checkReports(t *testing.T, got []*symexec.Report, want []string) {
	t.Helper()
	if diff := cmp.Diff(want, summaries(got)); diff != "" {
		t.Errorf("reports mismatch (-want +got):\n%s", diff)
	}
}

func TestDoubleFree(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", pos: "a.c:1:10"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:3:3"}
`)
	checkReports(t, reports, []string{
		"Double free @ a.c:3:3: Attempt to free released memory",
	})

	notes := reports[0].Notes()
	if len(notes) != 2 || notes[0].Msg != "Memory is allocated" || notes[1].Msg != "Memory is released" {
		t.Errorf("unexpected path notes: %+v", notes)
	}
}

func TestUseAfterFree(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", pos: "a.c:1:10"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: use, arg: "loc:p", pos: "a.c:3:3"}
`)
	checkReports(t, reports, []string{
		"Use-after-free @ a.c:3:3: Use of memory after it is freed",
	})
}

func TestMismatchedDeallocator(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: new, ret: "heap:p", elem-size: 4, pos: "a.c:1:10"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:2:3"}
`)
	checkReports(t, reports, []string{
		"Bad deallocator @ a.c:2:3: Memory allocated by 'new' should be deallocated by 'delete', not free()",
	})
}

func TestOffsetFree(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", pos: "a.c:1:10"}
  - {kind: call, name: free, args: ["offset:p+4"], pos: "a.c:2:3"}
`)
	checkReports(t, reports, []string{
		"Offset free @ a.c:2:3: Argument to free() is offset by 4 bytes from the start of memory allocated by malloc()",
	})
}

func TestUseZeroAllocated(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:0"], ret: "heap:p", pos: "a.c:1:10"}
  - {kind: use, arg: "loc:p", pos: "a.c:2:3"}
`)
	checkReports(t, reports, []string{
		"Use of zero allocated @ a.c:2:3: Use of zero-allocated memory",
	})
}

func TestLeakAtAllocationSite(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	checkReports(t, reports, []string{
		"Memory leak @ a.c:1:10: Potential leak of memory pointed to by 'p'",
	})
}

func TestReallocFailurePathLeaks(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: call, name: realloc, args: ["loc:p", "int:16"], ret: "heap:q", into: q, pos: "a.c:2:7"}
  - {kind: assume, sym: q, pos: "a.c:3:7"}
  - {kind: dead, syms: [p, q], pos: "a.c:9:1"}
`)
	checkReports(t, reports, []string{
		"Memory leak @ a.c:1:10: Potential leak of memory pointed to by 'p'",
	})

	var msgs []string
	for _, n := range reports[0].Notes() {
		msgs = append(msgs, n.Msg)
	}
	want := []string{"Memory is allocated", "Attempt to reallocate memory", "Reallocation failed"}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Errorf("note mismatch (-want +got):\n%s", diff)
	}
}

func TestReallocSuccessPathIsClean(t *testing.T) {
	reports, eng := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: call, name: realloc, args: ["loc:p", "int:16"], ret: "heap:q", into: q, pos: "a.c:2:7"}
  - {kind: assume, sym: q, non-null: true, pos: "a.c:3:7"}
  - {kind: call, name: free, args: ["loc:q"], pos: "a.c:4:3"}
  - {kind: dead, syms: [p, q], pos: "a.c:9:1"}
`)
	checkReports(t, reports, nil)

	// All realloc bookkeeping referencing the dead symbols is gone.
	tables := memdiag.StateTables(eng.CurrentState())
	if tables.RegionCount() != 0 {
		t.Errorf("dead symbols still tracked: %d records", tables.RegionCount())
	}
}

func TestReallocOfNullIsMalloc(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: realloc, args: ["null", "int:8"], ret: "heap:p", pos: "a.c:1:10"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:2:3"}
`)
	checkReports(t, reports, nil)
}

func TestReallocSizeZeroActsAsFree(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", pos: "a.c:1:10"}
  - {kind: call, name: realloc, args: ["loc:p", "int:0"], ret: "heap:q", pos: "a.c:2:7"}
  - {kind: use, arg: "loc:q", pos: "a.c:3:3"}
`)
	checkReports(t, reports, []string{
		"Use of zero allocated @ a.c:3:3: Use of zero-allocated memory",
	})
}

func TestReallocfFreesOnFailure(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: call, name: reallocf, args: ["loc:p", "int:16"], ret: "heap:q", into: q, pos: "a.c:2:7"}
  - {kind: assume, sym: q, pos: "a.c:3:7"}
  - {kind: dead, syms: [p, q], pos: "a.c:9:1"}
`)
	checkReports(t, reports, nil)
}

func TestBadFreeOfLocal(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: free, args: ["local:x"], pos: "a.c:2:3"}
`)
	checkReports(t, reports, []string{
		"Bad free @ a.c:2:3: Argument to free() is the address of the local variable 'x', which is not memory allocated by malloc()",
	})
}

func TestFreeAlloca(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: alloca, args: ["int:8"], ret: "heap:a", pos: "a.c:1:10"}
  - {kind: call, name: free, args: ["loc:a"], pos: "a.c:2:3"}
  - {kind: dead, syms: [a], pos: "a.c:9:1"}
`)
	checkReports(t, reports, []string{
		"Free alloca() @ a.c:2:3: Memory allocated by alloca() should not be deallocated",
	})
}

func TestFunctionPointerFree(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: free, args: ["fnptr:handler"], pos: "a.c:2:3"}
`)
	checkReports(t, reports, []string{
		"Bad free @ a.c:2:3: Argument to free() is a function pointer",
	})
}

func TestEscapeThroughOpaqueCall(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: call, name: opaque, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:3:3"}
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	// The pointer escapes, a later free is accepted, and nothing leaks.
	checkReports(t, reports, nil)
}

func TestEscapedButNeverFreedIsNotALeak(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: call, name: opaque, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	checkReports(t, reports, nil)
}

func TestSystemCallDoesNotEscape(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: call, name: printf, system: true, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	// Pointers do not escape through modeled-free system calls, so the
	// leak is still ours to report.
	checkReports(t, reports, []string{
		"Memory leak @ a.c:1:10: Potential leak of memory pointed to by 'p'",
	})
}

func TestObjCNoCopyTransfersOwnership(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - kind: objc
    selector: [initWithBytesNoCopy, length, freeWhenDone]
    args: ["loc:p", "int:8", "int:1"]
    receiver: "heap:obj"
    system: true
    pos: "a.c:2:3"
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	checkReports(t, reports, nil)
}

func TestObjCFreeWhenDoneFalseKeepsOwnership(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - kind: objc
    selector: [initWithBytesNoCopy, length, freeWhenDone]
    args: ["loc:p", "int:8", "int:0"]
    receiver: "heap:obj"
    system: true
    pos: "a.c:2:3"
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	checkReports(t, reports, []string{
		"Memory leak @ a.c:1:10: Potential leak of memory pointed to by 'p'",
	})
}

func TestDoubleDelete(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: new, ret: "heap:p", elem-size: 4, pos: "a.c:1:10"}
  - {kind: delete, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: delete, args: ["loc:p"], pos: "a.c:3:3"}
`)
	checkReports(t, reports, []string{
		"Double free @ a.c:3:3: Attempt to free released memory",
	})
}

func TestNewArrayNeedsArrayDelete(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: new, array: true, count: "int:10", elem-size: 4, ret: "heap:p", pos: "a.c:1:10"}
  - {kind: delete, args: ["loc:p"], pos: "a.c:2:3"}
`)
	checkReports(t, reports, []string{
		"Bad deallocator @ a.c:2:3: Memory allocated by 'new[]' should be deallocated by 'delete[]', not 'delete'",
	})
}

func TestIfNameIndexPairing(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: if_nameindex, ret: "heap:ni", pos: "a.c:1:10"}
  - {kind: call, name: free, args: ["loc:ni"], pos: "a.c:2:3"}
`)
	checkReports(t, reports, []string{
		"Bad deallocator @ a.c:2:3: Memory allocated by if_nameindex() should be deallocated by 'if_freenameindex()', not free()",
	})

	clean, _ := runTrace(t, nil, `
events:
  - {kind: call, name: if_nameindex, ret: "heap:ni", pos: "a.c:1:10"}
  - {kind: call, name: if_freenameindex, args: ["loc:ni"], pos: "a.c:2:3"}
  - {kind: dead, syms: [ni], pos: "a.c:9:1"}
`)
	checkReports(t, clean, nil)
}

func TestAssumedNullAllocationIsNotALeak(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: assume, sym: p, pos: "a.c:2:7"}
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	checkReports(t, reports, nil)
}

func TestSymbolDependencyKeepsReallocSourceAlive(t *testing.T) {
	reports, eng := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: call, name: realloc, args: ["loc:p", "int:16"], ret: "heap:q", into: q, pos: "a.c:2:7"}
  - {kind: dead, syms: [p], pos: "a.c:5:1"}
`)
	// p is kept alive by the realloc pair while q lives: no leak, and the
	// pair entry survives.
	checkReports(t, reports, nil)

	tables := memdiag.StateTables(eng.CurrentState())
	if _, ok := tables.Pair(symbolNamed(t, eng, "q")); !ok {
		t.Errorf("realloc pair dropped while both symbols are live")
	}
}

func TestBlockCaptureStopsTracking(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: block, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	checkReports(t, reports, nil)
}

func TestSuspiciousContextSuppressesFree(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: push-frame, frame: "__isl_map_free"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:3:3"}
  - {kind: pop-frame}
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	// Inside retain-count-style code the frees are not modeled: the
	// arguments escape instead, so no double free and no leak.
	checkReports(t, reports, nil)
}

func TestRefcountDestructorSuppression(t *testing.T) {
	trace := `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: push-frame, frame: "~SharedPtr", class: "SharedPtr"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: pop-frame}
  - {kind: use, arg: "loc:p", pos: "a.c:3:3"}
`
	reports, _ := runTrace(t, nil, trace)
	checkReports(t, reports, nil)

	// With the heuristic off the use-after-free is reported.
	kept, _ := runTrace(t, func(cfg *config.Config) { cfg.SuppressRefcountDestructors = false }, trace)
	checkReports(t, kept, []string{
		"Use-after-free @ a.c:3:3: Use of memory after it is freed",
	})
}

func TestAtomicRefcountSuppression(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: push-frame, frame: "~Holder", class: "Holder"}
  - {kind: atomic, op: fetch-sub, pos: "a.c:2:3"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:3:3"}
  - {kind: pop-frame}
  - {kind: use, arg: "loc:p", pos: "a.c:4:3"}
`)
	checkReports(t, reports, nil)
}

func TestKernelMallocWithZeroFlag(t *testing.T) {
	reports, _ := runTrace(t, nil, `
target-os: linux
events:
  - {kind: call, name: kmalloc, args: ["int:16", "int:32768"], ret: "heap:p", into: p, pos: "a.c:1:10"}
  - {kind: dead, syms: [p], pos: "a.c:9:1"}
`)
	// Kernel allocations with __GFP_ZERO are modeled like calloc but still
	// leak like any other allocation.
	checkReports(t, reports, []string{
		"Memory leak @ a.c:1:10: Potential leak of memory pointed to by 'p'",
	})
}

func TestOptimisticOwnershipAnnotations(t *testing.T) {
	trace := `
events:
  - kind: call
    name: my_alloc
    args: ["int:8"]
    ret: "heap:p"
    into: p
    ownership: [{kind: returns, args: [0]}]
    pos: "a.c:1:10"
  - kind: call
    name: my_free
    args: ["loc:p"]
    ownership: [{kind: takes, args: [0]}]
    pos: "a.c:2:3"
  - {kind: call, name: my_free, args: ["loc:p"], ownership: [{kind: takes, args: [0]}], pos: "a.c:3:3"}
`
	reports, _ := runTrace(t, func(cfg *config.Config) { cfg.Optimistic = true }, trace)
	checkReports(t, reports, []string{
		"Double free @ a.c:3:3: Attempt to free released memory",
	})
}

func TestInnerPointerUseAfterInvalidation(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: inner-alloc, sym: buf, var: s, name: c_str, pos: "a.cc:2:14"}
  - {kind: inner-free, sym: buf, name: clear, pos: "a.cc:3:3"}
  - {kind: use, arg: "loc:buf", pos: "a.cc:4:3"}
`)
	checkReports(t, reports, []string{
		"Use-after-free @ a.cc:4:3: Inner pointer of container used after re/deallocation",
	})

	var msgs []string
	for _, n := range reports[0].Notes() {
		msgs = append(msgs, n.Msg)
	}
	want := []string{
		"Memory is allocated",
		"Inner buffer of 's' reallocated by call to 'clear'",
	}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Errorf("note mismatch (-want +got):\n%s", diff)
	}
}

func TestInnerPointerInvalidatedByDestructor(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: inner-alloc, sym: buf, var: s, name: c_str, pos: "a.cc:2:14"}
  - {kind: inner-free, sym: buf, destructor: true, pos: "a.cc:3:1"}
  - {kind: use, arg: "loc:buf", pos: "a.cc:4:3"}
`)
	checkReports(t, reports, []string{
		"Use-after-free @ a.cc:4:3: Inner pointer of container used after re/deallocation",
	})

	var msgs []string
	for _, n := range reports[0].Notes() {
		msgs = append(msgs, n.Msg)
	}
	want := []string{
		"Memory is allocated",
		"Inner buffer of 's' deallocated by call to destructor",
	}
	if diff := cmp.Diff(want, msgs); diff != "" {
		t.Errorf("note mismatch (-want +got):\n%s", diff)
	}
}

func TestInnerPointerToggleGatesReports(t *testing.T) {
	trace := `
events:
  - {kind: inner-alloc, sym: buf, var: s, name: c_str, pos: "a.cc:2:14"}
  - {kind: inner-free, sym: buf, name: clear, pos: "a.cc:3:3"}
  - {kind: use, arg: "loc:buf", pos: "a.cc:4:3"}
`
	reports, _ := runTrace(t, func(cfg *config.Config) { cfg.Checks.InnerPointer = false }, trace)
	checkReports(t, reports, nil)
}

func TestReturnOfFreedMemory(t *testing.T) {
	reports, _ := runTrace(t, nil, `
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", pos: "a.c:1:10"}
  - {kind: call, name: free, args: ["loc:p"], pos: "a.c:2:3"}
  - {kind: return, arg: "loc:p", pos: "a.c:3:3"}
`)
	checkReports(t, reports, []string{
		"Use-after-free @ a.c:3:3: Use of memory after it is freed",
	})
}

func symbolNamed(t *testing.T, eng *replay.Engine, name string) *symexec.Symbol {
	t.Helper()
	sym := eng.SymbolNamed(name)
	if sym == nil {
		t.Fatalf("trace symbol %q not found", name)
	}
	return sym
}
