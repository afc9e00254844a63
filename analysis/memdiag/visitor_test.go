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
	"testing"

	"github.com/heaplens/heaplens/analysis/symexec"
)

func TestIsReferenceCountingPointerDestructor(t *testing.T) {
	refCounting := []string{
		"SharedPtr", "shared_ptr", "RefCountedPointer", "intrusive_ptr",
		"CntPtr", "MyRefPtr",
	}
	for _, name := range refCounting {
		if !isReferenceCountingPointerDestructor(name) {
			t.Errorf("%q should look like a refcounting pointer destructor", name)
		}
	}

	plain := []string{
		"UniquePtr", "Vector", "Buffer", "RefTable", "SharedState", "ptr",
	}
	for _, name := range plain {
		if isReferenceCountingPointerDestructor(name) {
			t.Errorf("%q should not look like a refcounting pointer destructor", name)
		}
	}
}

func TestVisitorTransitionPredicates(t *testing.T) {
	callStmt := &symexec.Stmt{Kind: symexec.StmtCall, Spelling: "malloc"}
	allocated := allocatedRecord(FamilyMalloc, callStmt)
	released := releasedRecord(FamilyMalloc, callStmt)
	relinquished := relinquishedRecord(FamilyMalloc, callStmt)

	if !transitionToAllocated(&allocated, nil, callStmt) {
		t.Errorf("none -> allocated at a call should be an allocation transition")
	}
	if transitionToAllocated(&allocated, nil, nil) {
		t.Errorf("an allocation transition requires a statement")
	}
	if transitionToAllocated(&allocated, &allocated, callStmt) {
		t.Errorf("allocated -> allocated is not a transition")
	}

	if !transitionToReleased(&released, &allocated) {
		t.Errorf("allocated -> released should be a release transition")
	}
	if transitionToReleased(&released, &released) {
		t.Errorf("released -> released is not a transition")
	}

	if !transitionToRelinquished(&relinquished, &allocated, callStmt) {
		t.Errorf("allocated -> relinquished at a call should be a transfer")
	}

	// Released -> allocated with no statement is the realloc-failure
	// restore.
	if !transitionReallocFailed(&allocated, &released, nil) {
		t.Errorf("released -> allocated without a call should be a realloc failure")
	}
	if transitionReallocFailed(&allocated, &released, callStmt) {
		t.Errorf("released -> allocated at a call is a plain allocation")
	}
}

func TestVisitorAllocationNote(t *testing.T) {
	c := testChecker(t, nil)
	s := sym(1)
	mallocStmt := &symexec.Stmt{
		Kind: symexec.StmtCall, Spelling: "malloc",
		Pos: symexec.Pos{File: "a.c", Line: 3, Col: 7},
	}

	root := &stubState{}
	allocState := &stubState{tables: emptyTables.setRecord(s, allocatedRecord(FamilyMalloc, mallocStmt))}

	frame := &symexec.Frame{FuncName: "main"}
	n0 := &symexec.ExplodedNode{ID: 1, State: root, Frame: frame}
	n1 := &symexec.ExplodedNode{ID: 2, State: allocState, Pred: n0, Stmt: mallocStmt, Frame: frame}

	r := symexec.NewReport(leakCategory, "Potential memory leak", n1)
	v := newLifecycleVisitor(c, s, true)

	note := v.VisitNode(n1, r)
	if note == nil || note.Msg != "Memory is allocated" {
		t.Fatalf("note = %+v, want allocation note", note)
	}
	if note.Pos != mallocStmt.Pos {
		t.Errorf("note position = %v, want %v", note.Pos, mallocStmt.Pos)
	}
	if !r.IsValid() {
		t.Errorf("allocation note should not invalidate the report")
	}
}

// stubState is a minimal symexec.State carrying only checker tables.
type stubState struct {
	tables Tables
	isSet  bool
}

func (s *stubState) Trait(key any) any {
	if key == tablesKey && s.isSetOrNonEmpty() {
		return s.tables
	}
	return nil
}

func (s *stubState) isSetOrNonEmpty() bool {
	return s.isSet || s.tables.regions != nil
}

func (s *stubState) WithTrait(key, value any) symexec.State {
	if key == tablesKey {
		return &stubState{tables: value.(Tables), isSet: true}
	}
	return s
}

func (s *stubState) Assume(cond symexec.SVal) (symexec.State, symexec.State) {
	return s, nil
}

func (s *stubState) IsNull(sym *symexec.Symbol) symexec.TruthValue {
	return symexec.Underconstrained
}

func (s *stubState) BindDefaultInitial(region *symexec.Region, init symexec.SVal) symexec.State {
	return s
}
