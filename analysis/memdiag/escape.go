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
	"strings"

	"github.com/heaplens/heaplens/analysis/symexec"
)

// Functions that take ownership of a pointer or wrap it into an object that
// is freed later; all of their pointer arguments escape.
var alwaysEscapeFuncs = map[string]bool{
	"CGBitmapContextCreate":              true,
	"CGBitmapContextCreateWithData":      true,
	"CVPixelBufferCreateWithBytes":       true,
	"CVPixelBufferCreateWithPlanarBytes": true,
	"OSAtomicEnqueue":                    true,
}

var alwaysEscapeQualified = map[string]bool{
	"QCoreApplication::postEvent": true,
	"QObject::connectImpl":        true,
}

// mayFreeAnyEscapedMemoryOrIsModeledExplicitly decides whether a call the
// engine did not inline can free tracked memory. When the answer is "only
// one specific symbol escapes", that symbol is returned and the overall
// answer is true.
//
// Pointers are assumed not to escape through system functions the checker
// does not model.
func (c *Checker) mayFreeAnyEscapedMemoryOrIsModeledExplicitly(call *symexec.CallEvent,
	state symexec.State) (bool, *symexec.Symbol) {
	if call == nil {
		return true, nil
	}

	// Pessimistically assume that indirect, block, and C++ calls can free
	// memory; regions escape into C++ containers either way.
	switch call.Kind {
	case symexec.CallFunction, symexec.CallObjCMessage:
	default:
		return true, nil
	}

	if call.Kind == symexec.CallObjCMessage {
		// A non-framework message, or one taking callbacks, can do anything.
		if !call.InSystemHeader || call.ArgsMayEscape {
			return true, nil
		}

		// Messages we model explicitly are handled post-call.
		if isKnownDeallocObjCMethodName(call) {
			return false, nil
		}

		// An unfamiliar method with a freeWhenDone: argument may or may not
		// use free(); the argument still decides whether the pointer
		// escapes.
		if freeWhenDone, ok := getFreeWhenDoneArg(call); ok {
			return freeWhenDone, nil
		}

		// A NoCopy method without freeWhenDone transfers ownership, to an
		// object we cannot model.
		if hasNoCopySelector(call) {
			return true, nil
		}

		// NSPointerArray-style containers hold the pointer; following the
		// container is beyond us, so let it escape.
		first := call.SelectorSlot(0)
		if strings.HasPrefix(first, "addPointer") ||
			strings.HasPrefix(first, "insertPointer") ||
			strings.HasPrefix(first, "replacePointer") ||
			first == "valueWithPointer" {
			return true, nil
		}

		// init consumes its receiver; the receiver symbol is usually never
		// referenced again, so escape it specifically.
		if call.IsInit {
			return true, symexec.AsSymbol(call.Receiver)
		}

		// Most framework methods do not free memory.
		return false, nil
	}

	fd := call.Callee
	if fd == nil {
		return true, nil
	}

	// Allocators and deallocators we can reason about are modeled
	// explicitly.
	if c.isMemFunction(fd) {
		return false, nil
	}

	// A non-system call can do anything.
	if !call.InSystemHeader {
		return true, nil
	}

	name := fd.Name
	if name == "" {
		return true, nil
	}

	// The CoreFoundation XXXNoCopy creators take ownership, unless the
	// deallocator argument is the null allocator.
	if strings.HasSuffix(name, "NoCopy") {
		for i := 1; i < call.NumArgs(); i++ {
			if call.ArgName(i) == "kCFAllocatorNull" {
				return false, nil
			}
		}
		return true, nil
	}

	// funopen associates a stream with a malloc'd cookie; without a closefn
	// the stream will not free it.
	if name == "funopen" {
		if call.NumArgs() >= 4 && symexec.IsZeroConstant(call.Arg(4)) {
			return false, nil
		}
	}

	// Buffers handed to setbuf and friends for the std streams are often
	// intentionally immortal; warning on them is noise.
	if name == "setbuf" || name == "setbuffer" || name == "setlinebuf" || name == "setvbuf" {
		if call.NumArgs() >= 1 && strings.Contains(call.ArgName(0), "std") {
			return true, nil
		}
	}

	if alwaysEscapeFuncs[name] || alwaysEscapeQualified[fd.QualifiedName] {
		return true, nil
	}

	// When a buffer's address can be stored by the callee, it escapes.
	if call.ArgsMayEscape {
		return true, nil
	}

	// Most system calls do not free memory.
	return false, nil
}

// PointerEscape transitions escaped live symbols to the escaped lifecycle
// state, unless the escaping call is modeled explicitly.
func (c *Checker) PointerEscape(state symexec.State, escaped []*symexec.Symbol,
	call *symexec.CallEvent, kind symexec.EscapeKind) symexec.State {
	return c.pointerEscapeAux(state, escaped, call, kind, false)
}

// ConstPointerEscape handles symbols reachable only through const pointers:
// free() takes a non-const pointer, so only the new/delete families can be
// released behind our back.
func (c *Checker) ConstPointerEscape(state symexec.State, escaped []*symexec.Symbol,
	call *symexec.CallEvent, kind symexec.EscapeKind) symexec.State {
	return c.pointerEscapeAux(state, escaped, call, kind, true)
}

func isNewOrNewArrayFamily(rec RefRecord) bool {
	return rec.Family == FamilyCXXNew || rec.Family == FamilyCXXNewArray
}

func (c *Checker) pointerEscapeAux(state symexec.State, escaped []*symexec.Symbol,
	call *symexec.CallEvent, kind symexec.EscapeKind, isConstEscape bool) symexec.State {
	if state == nil {
		return nil
	}

	var escapingSym *symexec.Symbol
	if kind == symexec.EscapeDirectCall && call != nil {
		mayFree, single := c.mayFreeAnyEscapedMemoryOrIsModeledExplicitly(call, state)
		if !mayFree && single == nil {
			// The call does not free memory; keep tracking the arguments.
			return state
		}
		escapingSym = single
	}

	t := tablesOf(state)
	for _, sym := range escaped {
		if escapingSym != nil && escapingSym != sym {
			continue
		}
		rec, ok := t.Record(sym)
		if !ok || !rec.IsLive() {
			continue
		}
		if isConstEscape && !isNewOrNewArrayFamily(rec) {
			continue
		}
		t = t.setRecord(sym, escapedRecord(rec))
	}
	return withTables(state, t)
}
