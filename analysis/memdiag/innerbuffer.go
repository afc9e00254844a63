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

// The inner-buffer family models pointers into storage owned by a container
// object (the result of std::string::c_str and friends). A container checker
// drives these entry points; the lifecycle machinery and diagnostics here
// then treat the buffer like any other tracked allocation.

// RecordContainerObject remembers which container object owns the inner
// buffer denoted by sym, for diagnostics.
func RecordContainerObject(state symexec.State, sym *symexec.Symbol, obj *symexec.Region) symexec.State {
	if state == nil || sym == nil {
		return state
	}
	return withTables(state, tablesOf(state).setContainerObj(sym, obj))
}

// MarkInnerBufferAllocated starts tracking an inner-buffer pointer.
func MarkInnerBufferAllocated(state symexec.State, sym *symexec.Symbol, origin *symexec.Stmt) symexec.State {
	if state == nil || sym == nil {
		return state
	}
	t := tablesOf(state)
	return withTables(state, t.setRecord(sym, allocatedRecord(FamilyInnerBuffer, origin)))
}

// MarkInnerBufferReleased marks an inner-buffer pointer invalidated: the
// container reallocated or freed its storage at origin (nil for implicit
// destructor calls). Subsequent uses are diagnosed as use-after-free.
func MarkInnerBufferReleased(state symexec.State, sym *symexec.Symbol, origin *symexec.Stmt) symexec.State {
	if state == nil || sym == nil {
		return state
	}
	t := tablesOf(state)
	return withTables(state, t.setRecord(sym, releasedRecord(FamilyInnerBuffer, origin)))
}
