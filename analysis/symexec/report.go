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

import "github.com/google/uuid"

// A PathNote is one event piece emitted by a path visitor, shown inline in
// the rendered diagnostic path.
type PathNote struct {
	Pos Pos
	Msg string

	// StackHint is the message attached to the call-stack frame when the
	// note sits inside an inlined call ("Returning; memory was released").
	StackHint string

	// Prunable notes may be dropped by the renderer when the path is
	// compressed.
	Prunable bool
}

// A PathVisitor walks the execution graph backwards along a reported path
// and contributes notes at interesting nodes. Visitors are stateful; one
// instance belongs to one report.
type PathVisitor interface {
	// VisitNode inspects node (whose predecessor is the previously visited
	// point) and returns a note, or nil. It may invalidate the report
	// through r.MarkInvalid.
	VisitNode(node *ExplodedNode, r *Report) *PathNote
}

// A Report is one diagnostic produced by a checker.
type Report struct {
	// ID is assigned by the diagnostic engine when the report is emitted.
	ID uuid.UUID

	// Category is the bug-type name ("Double free", "Memory leak").
	Category string
	Message  string

	// CheckName identifies the sub-checker the report is attributed to.
	CheckName string

	// Node is the error node the report hangs off.
	Node *ExplodedNode

	// UniqueingPos collapses reports that describe the same defect reached
	// through different execution prefixes; when unset, the node's position
	// is used.
	UniqueingPos  Pos
	UniqueingDecl string

	// SuppressOnSink drops the report when the path is post-dominated by a
	// sink (noreturn call).
	SuppressOnSink bool

	interestingSyms    map[*Symbol]bool
	interestingRegions map[*Region]bool
	visitors           []PathVisitor
	notes              []PathNote
	invalid            bool
}

// NewReport creates a report for an error node.
func NewReport(category, message string, node *ExplodedNode) *Report {
	return &Report{Category: category, Message: message, Node: node}
}

// MarkInteresting registers sym as relevant to the report; visitors and the
// renderer track interesting symbols across the path.
func (r *Report) MarkInteresting(sym *Symbol) {
	if sym == nil {
		return
	}
	if r.interestingSyms == nil {
		r.interestingSyms = map[*Symbol]bool{}
	}
	r.interestingSyms[sym] = true
}

// MarkInterestingRegion registers a region as relevant to the report.
func (r *Report) MarkInterestingRegion(region *Region) {
	if region == nil {
		return
	}
	if r.interestingRegions == nil {
		r.interestingRegions = map[*Region]bool{}
	}
	r.interestingRegions[region] = true
}

// IsInteresting reports whether sym was marked interesting.
func (r *Report) IsInteresting(sym *Symbol) bool { return r.interestingSyms[sym] }

// AddVisitor attaches a path visitor run by the diagnostic engine.
func (r *Report) AddVisitor(v PathVisitor) { r.visitors = append(r.visitors, v) }

// Visitors returns the attached visitors.
func (r *Report) Visitors() []PathVisitor { return r.visitors }

// AddNote appends a rendered path note. The diagnostic engine calls this
// with the non-nil results of visitor walks.
func (r *Report) AddNote(n PathNote) { r.notes = append(r.notes, n) }

// Notes returns the collected path notes, in path order.
func (r *Report) Notes() []PathNote { return r.notes }

// MarkInvalid suppresses the report; used by false-positive heuristics.
func (r *Report) MarkInvalid() { r.invalid = true }

// IsValid reports whether the report survived all suppression heuristics.
func (r *Report) IsValid() bool { return !r.invalid }

// Pos returns the position the report is keyed at for de-duplication.
func (r *Report) Pos() Pos {
	if r.UniqueingPos.IsValid() {
		return r.UniqueingPos
	}
	if r.Node != nil && r.Node.Stmt != nil {
		return r.Node.Stmt.Pos
	}
	return Pos{}
}
