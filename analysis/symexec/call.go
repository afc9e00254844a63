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

// Pos is a source position in the analyzed program.
type Pos struct {
	File string
	Line int
	Col  int
}

func (p Pos) String() string {
	if p.File == "" {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// IsValid reports whether the position refers to a real source location.
func (p Pos) IsValid() bool { return p.File != "" }

// StmtKind classifies statement handles.
type StmtKind int

const (
	StmtOther StmtKind = iota
	StmtCall
	StmtNew
	StmtDelete
	StmtObjCMessage
	StmtBlock
	StmtAtomicRMW
	StmtReturn
)

// AtomicOp is the operation of an atomic read-modify-write statement.
type AtomicOp int

const (
	AtomicNone AtomicOp = iota
	AtomicFetchAdd
	AtomicFetchSub
)

// A Stmt is an opaque statement handle. The checkers store statements in
// lifecycle records to point diagnostics at the allocation or release site;
// they never interpret them beyond kind, position and spelling.
type Stmt struct {
	Kind StmtKind
	Pos  Pos

	// Spelling is how diagnostics print the operation: "malloc" for a call,
	// "new[]" for an array new, a selector for a message.
	Spelling string

	Atomic AtomicOp
}

// IsAllocLike reports whether the statement can appear as an allocation
// origin in a lifecycle record.
func (s *Stmt) IsAllocLike() bool {
	return s != nil && (s.Kind == StmtCall || s.Kind == StmtNew)
}

// IsReleaseLike reports whether the statement can appear as a release site.
func (s *Stmt) IsReleaseLike() bool {
	return s != nil && (s.Kind == StmtCall || s.Kind == StmtDelete)
}

// OwnershipKind is the kind of an ownership annotation on a function.
type OwnershipKind int

const (
	OwnershipReturns OwnershipKind = iota
	OwnershipTakes
	OwnershipHolds
)

// Ownership is one ownership_{returns,takes,holds}(module, args...)
// annotation. Args are zero-based argument indices; for OwnershipReturns a
// single optional index names the size argument.
type Ownership struct {
	Kind   OwnershipKind
	Module string
	Args   []int
}

// OperatorKind identifies an overloaded allocation operator.
type OperatorKind int

const (
	OpNone OperatorKind = iota
	OpNew
	OpArrayNew
	OpDelete
	OpArrayDelete
)

// A FuncDecl describes the callee of a direct call.
type FuncDecl struct {
	Name string

	// InSystemHeader is true when the declaration comes from a system
	// header; user redefinitions of operator new/delete are not standard.
	InSystemHeader bool

	// QualifiedName carries the class-qualified spelling for methods, e.g.
	// "QObject::connectImpl". Empty for plain functions.
	QualifiedName string

	Operator  OperatorKind
	Ownership []Ownership
}

// CallKind is the shape of a call event, mirroring the statement variants a
// path-sensitive engine distinguishes.
type CallKind int

const (
	CallFunction CallKind = iota
	CallNew
	CallDelete
	CallObjCMessage
	CallBlock
	// CallDestructor is the implicit call of a C++ destructor.
	CallDestructor
	// CallInstanceMethod is an explicit C++ method call.
	CallInstanceMethod
)

// A CallEvent is one call observed by the engine, with all operands already
// evaluated in the pre-call state.
type CallEvent struct {
	Kind CallKind
	Stmt *Stmt

	// Callee is the resolved declaration, nil for indirect calls.
	Callee *FuncDecl

	// Args are the evaluated argument values, in order.
	Args []SVal

	// ArgNames carries the source spelling of arguments that are direct
	// variable references (for the setbuf/NoCopy escape heuristics); empty
	// string where the argument is not a simple reference.
	ArgNames []string

	// Ret is the evaluated call result in the post-call state.
	Ret SVal

	// RetType is the declared result type of the callee.
	RetType Type

	// InSystemHeader is true for calls to functions declared in system
	// headers.
	InSystemHeader bool

	// ArgsMayEscape is true when the engine determined that any argument may
	// be stored by the callee (callback arguments, out-pointers).
	ArgsMayEscape bool

	// HasCallbackArg is true when an argument is itself callable.
	HasCallbackArg bool

	// Selector holds the selector slots of an Objective-C message
	// ("initWithBytesNoCopy", "length", "freeWhenDone").
	Selector []string

	// Receiver is the evaluated message receiver or method object.
	Receiver SVal

	// IsInit is true for Objective-C init-family messages.
	IsInit bool

	// ArrayForm is true for new[]/delete[] expressions.
	ArrayForm bool

	// ElementSize is the byte size of the allocated element type of a new
	// expression; ElementCount its evaluated array-size operand.
	ElementSize  int64
	ElementCount SVal

	// ConsumedResult is false for a new expression whose value is discarded
	// by the enclosing statement.
	ConsumedResult bool

	// NonTrivialConstructor is true when a new expression invokes a
	// constructor taking a pointer/reference to a record type.
	NonTrivialConstructor bool
}

// NumArgs returns the number of call arguments.
func (c *CallEvent) NumArgs() int { return len(c.Args) }

// Arg returns the i-th evaluated argument, or UnknownVal when out of range.
func (c *CallEvent) Arg(i int) SVal {
	if i < 0 || i >= len(c.Args) {
		return UnknownVal{}
	}
	return c.Args[i]
}

// ArgName returns the source spelling of the i-th argument when it is a
// direct variable reference.
func (c *CallEvent) ArgName(i int) string {
	if i < 0 || i >= len(c.ArgNames) {
		return ""
	}
	return c.ArgNames[i]
}

// CalleeName returns the callee identifier, or "" for indirect calls.
func (c *CallEvent) CalleeName() string {
	if c.Callee == nil {
		return ""
	}
	return c.Callee.Name
}

// SelectorSlot returns the i-th selector slot of a message, or "".
func (c *CallEvent) SelectorSlot(i int) string {
	if i < 0 || i >= len(c.Selector) {
		return ""
	}
	return c.Selector[i]
}

// SelectorString renders the full selector, e.g.
// "initWithBytesNoCopy:length:freeWhenDone:".
func (c *CallEvent) SelectorString() string {
	if len(c.Selector) == 0 {
		return ""
	}
	if len(c.Selector) == 1 && len(c.Args) == 0 {
		return c.Selector[0]
	}
	s := ""
	for _, slot := range c.Selector {
		s += slot + ":"
	}
	return s
}
