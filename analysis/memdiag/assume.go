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

// EvalAssume reacts to the engine narrowing a path. A tracked symbol that is
// now known to be null never came from a successful allocation, so it is
// dropped. A null reallocated-to symbol means the reallocation failed, and
// the source symbol is restored according to its ownership policy.
func (c *Checker) EvalAssume(state symexec.State, cond symexec.SVal, assumption bool) symexec.State {
	if state == nil {
		return nil
	}

	t := tablesOf(state)

	var nullSyms []*symexec.Symbol
	t.eachRecord(func(sym *symexec.Symbol, _ RefRecord) {
		if state.IsNull(sym).IsConstrainedTrue() {
			nullSyms = append(nullSyms, sym)
		}
	})
	for _, sym := range nullSyms {
		t = t.removeRecord(sym)
	}

	// Realloc returns null exactly when reallocation fails; restore the
	// state of the pointer being reallocated.
	type failedPair struct {
		to   *symexec.Symbol
		pair ReallocPair
	}
	var failed []failedPair
	t.eachPair(func(to *symexec.Symbol, pair ReallocPair) {
		if state.IsNull(to).IsConstrainedTrue() {
			failed = append(failed, failedPair{to, pair})
		}
	})
	for _, f := range failed {
		if rec, ok := t.Record(f.pair.From); ok && rec.IsReleased() {
			switch f.pair.Policy {
			case ToBeFreedAfterFailure:
				t = t.setRecord(f.pair.From, allocatedRecord(rec.Family, rec.Origin))
			case DoNotTrackAfterFailure:
				t = t.removeRecord(f.pair.From)
			case FreeOnFailure:
				// reallocf frees the source even on failure.
			}
		}
		t = t.removePair(f.to)
	}

	return withTables(state, t)
}
