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

import "io"

// EscapeKind describes why the engine believes symbols escaped.
type EscapeKind int

const (
	// EscapeDirectCall: the symbols were passed to a call the engine did not
	// inline.
	EscapeDirectCall EscapeKind = iota
	// EscapeIndirect: the symbols became reachable from an escaped region.
	EscapeIndirect
	// EscapeOnBind: the symbols were stored into a location the engine does
	// not track.
	EscapeOnBind
	// EscapeOther covers the remaining invalidation causes.
	EscapeOther
)

// Checker is the hook table a state-extension plugin provides. The engine
// dispatches each callback at the matching program point, in program order
// along every explored path. Implementations must treat the received states
// as immutable.
type Checker interface {
	// PreCall runs before any call is modeled.
	PreCall(call *CallEvent, ctx CheckerContext)

	// PostCall runs after a plain function call that was not inlined.
	PostCall(call *CallEvent, ctx CheckerContext)

	// PostNew runs after the allocator part of a new expression.
	PostNew(call *CallEvent, ctx CheckerContext)

	// PreDelete runs before a delete expression.
	PreDelete(call *CallEvent, ctx CheckerContext)

	// PostObjCMessage runs after an Objective-C message send.
	PostObjCMessage(call *CallEvent, ctx CheckerContext)

	// PostBlock runs after a block literal is materialized.
	PostBlock(call *CallEvent, ctx CheckerContext)

	// DeadSymbols runs when the engine reclaims a batch of dead symbols;
	// this is the only guaranteed finalization hook.
	DeadSymbols(reaper SymbolReaper, ctx CheckerContext)

	// PreReturn runs before a return statement; ret is the evaluated
	// operand, or nil.
	PreReturn(ret SVal, stmt *Stmt, ctx CheckerContext)

	// EndFunction runs when a function body is left, after automatic
	// destructors.
	EndFunction(ret SVal, stmt *Stmt, ctx CheckerContext)

	// Location runs on every load or store through loc.
	Location(loc SVal, isLoad bool, stmt *Stmt, ctx CheckerContext)

	// EvalAssume runs after the engine narrowed the path by assuming cond;
	// it returns the (possibly updated) state.
	EvalAssume(state State, cond SVal, assumption bool) State

	// PointerEscape runs when the listed symbols may escape through call
	// (nil for non-call escapes); it returns the updated state.
	PointerEscape(state State, escaped []*Symbol, call *CallEvent, kind EscapeKind) State

	// ConstPointerEscape is PointerEscape for symbols reachable only through
	// const pointers.
	ConstPointerEscape(state State, escaped []*Symbol, call *CallEvent, kind EscapeKind) State

	// PrintState dumps the checker's per-path tables for debugging.
	PrintState(w io.Writer, state State)
}
