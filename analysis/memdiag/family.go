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

// AllocationFamily identifies the allocator lineage of a tracked symbol.
// Pairing is enforced per family: free() releases malloc-family memory,
// delete releases new-family memory, and so on.
type AllocationFamily int

const (
	// FamilyNone marks statements that are not allocation sites. It never
	// appears inside a stored lifecycle record.
	FamilyNone AllocationFamily = iota
	FamilyMalloc
	FamilyCXXNew
	FamilyCXXNewArray
	FamilyIfNameIndex
	FamilyAlloca
	FamilyInnerBuffer
)

func (f AllocationFamily) String() string {
	switch f {
	case FamilyMalloc:
		return "Malloc"
	case FamilyCXXNew:
		return "CXXNew"
	case FamilyCXXNewArray:
		return "CXXNewArray"
	case FamilyIfNameIndex:
		return "IfNameIndex"
	case FamilyAlloca:
		return "Alloca"
	case FamilyInnerBuffer:
		return "InnerBuffer"
	}
	return "None"
}

// MemOpKind filters classification queries to one side of the allocate/free
// pairing.
type MemOpKind int

const (
	OpAny MemOpKind = iota
	OpAllocate
	OpFree
)

// The malloc-family name tables. The underscore-prefixed spellings are the
// MSVC variants of the same functions.
var mallocFreeFuncs = map[string]bool{
	"free":            true,
	"realloc":         true,
	"reallocf":        true,
	"g_free":          true,
	"g_realloc":       true,
	"g_try_realloc":   true,
	"g_realloc_n":     true,
	"g_try_realloc_n": true,
	"kfree":           true,
}

var mallocAllocFuncs = map[string]bool{
	"malloc":          true,
	"realloc":         true,
	"reallocf":        true,
	"calloc":          true,
	"valloc":          true,
	"strdup":          true,
	"_strdup":         true,
	"strndup":         true,
	"wcsdup":          true,
	"_wcsdup":         true,
	"kmalloc":         true,
	"g_malloc":        true,
	"g_malloc0":       true,
	"g_realloc":       true,
	"g_try_malloc":    true,
	"g_try_malloc0":   true,
	"g_try_realloc":   true,
	"g_memdup":        true,
	"g_malloc_n":      true,
	"g_malloc0_n":     true,
	"g_realloc_n":     true,
	"g_try_malloc_n":  true,
	"g_try_malloc0_n": true,
	"g_try_realloc_n": true,
}

var allocaFuncs = map[string]bool{
	"alloca":  true,
	"_alloca": true,
}

// isCMemFunction reports whether fd belongs to the given C allocator family,
// filtered by op. When optimistic is set, ownership-annotated functions with
// module "malloc" count as malloc-family members.
func isCMemFunction(fd *symexec.FuncDecl, family AllocationFamily, op MemOpKind, optimistic bool) bool {
	if fd == nil {
		return false
	}

	checkFree := op == OpAny || op == OpFree
	checkAlloc := op == OpAny || op == OpAllocate

	name := fd.Name
	if name != "" && fd.Operator == symexec.OpNone {
		switch family {
		case FamilyMalloc:
			if checkFree && mallocFreeFuncs[name] {
				return true
			}
			if checkAlloc && mallocAllocFuncs[name] {
				return true
			}
		case FamilyIfNameIndex:
			if checkFree && name == "if_freenameindex" {
				return true
			}
			if checkAlloc && name == "if_nameindex" {
				return true
			}
		case FamilyAlloca:
			if checkAlloc && allocaFuncs[name] {
				return true
			}
		}
	}

	if family != FamilyMalloc {
		return false
	}

	if optimistic {
		for _, own := range fd.Ownership {
			if own.Module != ownershipModule {
				continue
			}
			switch own.Kind {
			case symexec.OwnershipTakes, symexec.OwnershipHolds:
				if checkFree {
					return true
				}
			case symexec.OwnershipReturns:
				if checkAlloc {
					return true
				}
			}
		}
	}

	return false
}

// ownershipModule is the only annotation module the checker understands.
const ownershipModule = "malloc"

// isStandardNewDelete reports whether fd is one of the built-in overloaded
// operator new/new[]/delete/delete[] functions. A user-defined operator in
// program source is not standard.
func isStandardNewDelete(fd *symexec.FuncDecl) bool {
	if fd == nil {
		return false
	}
	switch fd.Operator {
	case symexec.OpNew, symexec.OpArrayNew, symexec.OpDelete, symexec.OpArrayDelete:
		return fd.InSystemHeader
	}
	return false
}

// isMemFunction reports whether fd is any function the checker models.
func (c *Checker) isMemFunction(fd *symexec.FuncDecl) bool {
	return isCMemFunction(fd, FamilyMalloc, OpAny, c.optimistic) ||
		isCMemFunction(fd, FamilyIfNameIndex, OpAny, c.optimistic) ||
		isCMemFunction(fd, FamilyAlloca, OpAny, c.optimistic) ||
		isStandardNewDelete(fd)
}

// Classify determines the allocation family of a call, filtered by op.
// FamilyNone means the call is not a modeled memory operation.
func (c *Checker) Classify(call *symexec.CallEvent, op MemOpKind) AllocationFamily {
	if call == nil {
		return FamilyNone
	}

	switch call.Kind {
	case symexec.CallNew:
		if !isStandardNewDelete(call.Callee) {
			return FamilyNone
		}
		if call.ArrayForm {
			return FamilyCXXNewArray
		}
		return FamilyCXXNew
	case symexec.CallDelete:
		if !isStandardNewDelete(call.Callee) {
			return FamilyNone
		}
		if call.ArrayForm {
			return FamilyCXXNewArray
		}
		return FamilyCXXNew
	case symexec.CallObjCMessage:
		return FamilyMalloc
	case symexec.CallFunction:
		fd := call.Callee
		if fd == nil {
			return FamilyNone
		}
		if isCMemFunction(fd, FamilyMalloc, op, c.optimistic) {
			return FamilyMalloc
		}
		if isStandardNewDelete(fd) {
			switch fd.Operator {
			case symexec.OpNew, symexec.OpDelete:
				return FamilyCXXNew
			case symexec.OpArrayNew, symexec.OpArrayDelete:
				return FamilyCXXNewArray
			}
		}
		if isCMemFunction(fd, FamilyIfNameIndex, op, c.optimistic) {
			return FamilyIfNameIndex
		}
		if isCMemFunction(fd, FamilyAlloca, op, c.optimistic) {
			return FamilyAlloca
		}
	}
	return FamilyNone
}

// familyOfStmt recovers the allocation family of a statement recorded in a
// lifecycle record, for diagnostics. It relies on the statement spelling
// because the original call event is no longer at hand.
func familyOfStmt(s *symexec.Stmt) AllocationFamily {
	if s == nil {
		return FamilyNone
	}
	switch s.Kind {
	case symexec.StmtNew, symexec.StmtDelete:
		if s.Spelling == "new[]" || s.Spelling == "delete[]" {
			return FamilyCXXNewArray
		}
		return FamilyCXXNew
	case symexec.StmtObjCMessage:
		return FamilyMalloc
	case symexec.StmtCall:
		name := s.Spelling
		if mallocFreeFuncs[name] || mallocAllocFuncs[name] {
			return FamilyMalloc
		}
		switch name {
		case "if_nameindex", "if_freenameindex":
			return FamilyIfNameIndex
		case "alloca", "_alloca":
			return FamilyAlloca
		case "operator new":
			return FamilyCXXNew
		case "operator new[]":
			return FamilyCXXNewArray
		case "operator delete":
			return FamilyCXXNew
		case "operator delete[]":
			return FamilyCXXNewArray
		}
	}
	return FamilyNone
}
