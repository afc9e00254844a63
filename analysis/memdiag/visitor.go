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

type visitorMode int

const (
	modeNormal visitorMode = iota
	modeReallocationFailed
)

// lifecycleVisitor walks a reported path backwards and narrates the state
// changes of the interesting symbol: where memory was allocated, released,
// relinquished, or where a reallocation failed. It also hosts the
// false-positive suppression for reference-counting smart-pointer
// destructors.
type lifecycleVisitor struct {
	checker *Checker
	sym     *symexec.Symbol
	isLeak  bool

	mode visitorMode

	// failedRealloc is the reallocated-to symbol of a failure seen later on
	// the path, while we look for its reallocation point.
	failedRealloc *symexec.Symbol

	// releaseDestructor is the destructor frame in which the symbol was
	// released, kept around to watch for atomic refcount traffic.
	releaseDestructor *symexec.Frame
}

var _ symexec.PathVisitor = (*lifecycleVisitor)(nil)

func newLifecycleVisitor(c *Checker, sym *symexec.Symbol, isLeak bool) *lifecycleVisitor {
	return &lifecycleVisitor{checker: c, sym: sym, isLeak: isLeak}
}

// recordAt fetches the symbol's lifecycle record in a node's state.
func (v *lifecycleVisitor) recordAt(n *symexec.ExplodedNode) (RefRecord, bool) {
	if n == nil {
		return RefRecord{}, false
	}
	return tablesOf(n.State).Record(v.sym)
}

// Did not track -> allocated. Other state (released) -> allocated.
func transitionToAllocated(curr, prev *RefRecord, stmt *symexec.Stmt) bool {
	return stmt.IsAllocLike() &&
		curr != nil && curr.IsLive() &&
		(prev == nil || !prev.IsLive())
}

// Did not track -> released. Other state (allocated) -> released. The
// statement may be missing for inner-buffer invalidations by destructors.
func transitionToReleased(curr, prev *RefRecord) bool {
	return curr != nil && curr.IsReleased() && (prev == nil || !prev.IsReleased())
}

// Did not track -> relinquished.
func transitionToRelinquished(curr, prev *RefRecord, stmt *symexec.Stmt) bool {
	return stmt != nil &&
		(stmt.Kind == symexec.StmtCall || stmt.Kind == symexec.StmtObjCMessage) &&
		curr != nil && curr.IsRelinquished() &&
		(prev == nil || !prev.IsRelinquished())
}

// Released -> allocated with no call statement can only be the null check of
// a realloc return value: the reallocation failed and the source symbol was
// restored.
func transitionReallocFailed(curr, prev *RefRecord, stmt *symexec.Stmt) bool {
	return (stmt == nil || stmt.Kind != symexec.StmtCall) &&
		curr != nil && curr.IsLive() &&
		prev != nil && !prev.IsLive()
}

// isReferenceCountingPointerDestructor guesses, from the class name alone,
// whether a destructor belongs to a reference-counting smart pointer.
func isReferenceCountingPointerDestructor(className string) bool {
	n := strings.ToLower(className)
	if strings.Contains(n, "ptr") || strings.Contains(n, "pointer") {
		if strings.Contains(n, "ref") || strings.Contains(n, "cnt") ||
			strings.Contains(n, "intrusive") || strings.Contains(n, "shared") {
			return true
		}
	}
	return false
}

// findFailedReallocSymbol locates the reallocated-to symbol whose pair entry
// disappeared between prev and curr: the pair the assumption hook resolved.
func findFailedReallocSymbol(curr, prev symexec.State) *symexec.Symbol {
	currT := tablesOf(curr)
	var found *symexec.Symbol
	tablesOf(prev).eachPair(func(to *symexec.Symbol, _ ReallocPair) {
		if found != nil {
			return
		}
		if _, ok := currT.Pair(to); !ok {
			found = to
		}
	})
	return found
}

// VisitNode emits one note per interesting state change, walking from the
// error node towards the allocation.
func (v *lifecycleVisitor) VisitNode(n *symexec.ExplodedNode, r *symexec.Report) *symexec.PathNote {
	currRec, hasCurr := v.recordAt(n)
	prevRec, hasPrev := v.recordAt(n.FirstPred())

	var curr, prev *RefRecord
	if hasCurr {
		curr = &currRec
	}
	if hasPrev {
		prev = &prevRec
	}

	stmt := n.Stmt
	// Containers sometimes deserve a note even without a statement
	// (implicit destructor calls); everything else needs one.
	if stmt == nil && (curr == nil || curr.Family != FamilyInnerBuffer) {
		return nil
	}

	// Atomic refcount traffic inside the destructor that released the
	// memory marks a shared-pointer destructor; we cannot know the original
	// reference count, so the report is likely noise.
	if v.releaseDestructor != nil && v.checker.suppressRefcount &&
		stmt != nil && stmt.Kind == symexec.StmtAtomicRMW {
		if stmt.Atomic == symexec.AtomicFetchAdd || stmt.Atomic == symexec.AtomicFetchSub {
			if v.releaseDestructor == n.Frame || v.releaseDestructor.IsParentOf(n.Frame) {
				r.MarkInvalid()
			}
		}
	}

	var msg, stackHint string

	switch v.mode {
	case modeNormal:
		switch {
		case transitionToAllocated(curr, prev, stmt):
			msg = "Memory is allocated"
			stackHint = "Returned allocated memory"

		case transitionToReleased(curr, prev):
			if curr.Family == FamilyInnerBuffer {
				msg, stackHint = v.innerBufferReleaseNote(n, curr)
			} else {
				msg = "Memory is released"
				stackHint = "Returning; memory was released"
			}
			v.noteReleaseDestructor(n, r)

		case transitionToRelinquished(curr, prev, stmt):
			msg = "Memory ownership is transferred"

		case transitionReallocFailed(curr, prev, stmt):
			v.mode = modeReallocationFailed
			msg = "Reallocation failed"
			stackHint = "Reallocation failed"
			if failed := findFailedReallocSymbol(n.State, n.FirstPred().State); failed != nil {
				r.MarkInteresting(failed)
				v.failedRealloc = failed
			}
		}

	case modeReallocationFailed:
		if v.failedRealloc == nil {
			return nil
		}
		// The first node where the failed symbol is absent from the
		// predecessor is the reallocation point itself.
		if _, ok := tablesOf(predState(n)).Record(v.failedRealloc); !ok {
			msg = "Attempt to reallocate memory"
			stackHint = "Returned reallocated memory"
			v.failedRealloc = nil
			v.mode = modeNormal
		}
	}

	if msg == "" {
		return nil
	}

	pos := n.Pos
	if stmt != nil {
		pos = stmt.Pos
	} else if !n.PostImplicitCall {
		return nil
	}

	return &symexec.PathNote{Pos: pos, Msg: msg, StackHint: stackHint}
}

func predState(n *symexec.ExplodedNode) symexec.State {
	if p := n.FirstPred(); p != nil {
		return p.State
	}
	return nil
}

// innerBufferReleaseNote names the container method that invalidated an
// inner pointer.
func (v *lifecycleVisitor) innerBufferReleaseNote(n *symexec.ExplodedNode, curr *RefRecord) (string, string) {
	var sb strings.Builder
	sb.WriteString("Inner buffer")
	if obj, ok := tablesOf(predState(n)).ContainerObj(v.sym); ok {
		if pretty, ok := obj.PrintPretty(); ok {
			fmt.Fprintf(&sb, " of %s", pretty)
		}
	}
	if n.PostImplicitCall {
		sb.WriteString(" deallocated by call to destructor")
		return sb.String(), "Returning; inner buffer was deallocated"
	}
	method := "unknown"
	if curr.Origin != nil && curr.Origin.Spelling != "" {
		method = curr.Origin.Spelling
	}
	fmt.Fprintf(&sb, " reallocated by call to '%s'", method)
	return sb.String(), "Returning; inner buffer was reallocated"
}

// noteReleaseDestructor inspects the frames enclosing a release. A release
// inside a destructor whose class is named like a reference-counting pointer
// invalidates the report outright; any other destructor becomes a suspect we
// keep watching for atomic refcount operations.
func (v *lifecycleVisitor) noteReleaseDestructor(n *symexec.ExplodedNode, r *symexec.Report) {
	if !v.checker.suppressRefcount {
		return
	}
	found := false
	for frame := n.Frame; frame != nil; frame = frame.Parent {
		if !frame.IsDestructor {
			continue
		}
		if isReferenceCountingPointerDestructor(frame.ClassName) {
			r.MarkInvalid()
		} else if !found {
			// Releasing memory is rarely delegated to a nested destructor,
			// so only the innermost one is interesting.
			v.releaseDestructor = frame
			found = true
		}
	}
}
