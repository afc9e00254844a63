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

import "github.com/heaplens/heaplens/analysis/symexec"

// LifecycleState enumerates the states of the per-symbol state machine.
type LifecycleState int

const (
	// LifeAllocated: live memory, size believed non-zero.
	LifeAllocated LifecycleState = iota
	// LifeAllocatedOfSizeZero: live memory whose size was equal to zero on
	// this path.
	LifeAllocatedOfSizeZero
	// LifeReleased: freed by a matching deallocator.
	LifeReleased
	// LifeRelinquished: the responsibility for freeing has transferred away
	// from this reference. A relinquished symbol must not be freed.
	LifeRelinquished
	// LifeEscaped: the checker is no longer guaranteed to have observed all
	// manipulations of this pointer; no strong claims remain.
	LifeEscaped
)

func (s LifecycleState) String() string {
	switch s {
	case LifeAllocated:
		return "Allocated"
	case LifeAllocatedOfSizeZero:
		return "AllocatedOfSizeZero"
	case LifeReleased:
		return "Released"
	case LifeRelinquished:
		return "Relinquished"
	case LifeEscaped:
		return "Escaped"
	}
	return "?"
}

// A RefRecord is the lifecycle record of one tracked symbol: its state, the
// allocator family it belongs to, and the statement that caused the most
// recent state entry. Records are values; two records are the same exactly
// when all three fields match.
type RefRecord struct {
	State  LifecycleState
	Family AllocationFamily
	Origin *symexec.Stmt
}

// IsAllocated reports state LifeAllocated.
func (r RefRecord) IsAllocated() bool { return r.State == LifeAllocated }

// IsAllocatedOfSizeZero reports state LifeAllocatedOfSizeZero.
func (r RefRecord) IsAllocatedOfSizeZero() bool { return r.State == LifeAllocatedOfSizeZero }

// IsLive reports either of the allocated states.
func (r RefRecord) IsLive() bool { return r.IsAllocated() || r.IsAllocatedOfSizeZero() }

// IsReleased reports state LifeReleased.
func (r RefRecord) IsReleased() bool { return r.State == LifeReleased }

// IsRelinquished reports state LifeRelinquished.
func (r RefRecord) IsRelinquished() bool { return r.State == LifeRelinquished }

// IsEscaped reports state LifeEscaped.
func (r RefRecord) IsEscaped() bool { return r.State == LifeEscaped }

func allocatedRecord(family AllocationFamily, origin *symexec.Stmt) RefRecord {
	return RefRecord{State: LifeAllocated, Family: family, Origin: origin}
}

func zeroSizedRecord(prev RefRecord) RefRecord {
	return RefRecord{State: LifeAllocatedOfSizeZero, Family: prev.Family, Origin: prev.Origin}
}

func releasedRecord(family AllocationFamily, origin *symexec.Stmt) RefRecord {
	return RefRecord{State: LifeReleased, Family: family, Origin: origin}
}

func relinquishedRecord(family AllocationFamily, origin *symexec.Stmt) RefRecord {
	return RefRecord{State: LifeRelinquished, Family: family, Origin: origin}
}

func escapedRecord(prev RefRecord) RefRecord {
	return RefRecord{State: LifeEscaped, Family: prev.Family, Origin: prev.Origin}
}

// ReallocPolicy describes what happens to the reallocated-from symbol when
// the reallocation turns out to have failed.
type ReallocPolicy int

const (
	// ToBeFreedAfterFailure: the caller still owns the source pointer and
	// must free it (plain realloc).
	ToBeFreedAfterFailure ReallocPolicy = iota
	// FreeOnFailure: the source pointer is freed even on failure (reallocf).
	FreeOnFailure
	// DoNotTrackAfterFailure: the source was never tracked by the checker,
	// so nothing can be claimed on failure.
	DoNotTrackAfterFailure
)

// A ReallocPair records, keyed under the reallocated-to symbol, where the
// memory came from and the ownership policy on failure. Whether the
// reallocation failed is not known until a later null assumption.
type ReallocPair struct {
	From   *symexec.Symbol
	Policy ReallocPolicy
}
