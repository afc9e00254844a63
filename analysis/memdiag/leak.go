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
	"sort"

	"github.com/heaplens/heaplens/analysis/symexec"
)

// deadSymbolsTag marks the non-fatal node leaks are reported on.
const deadSymbolsTag = "memdiag.DeadSymbolsLeak"

// DeadSymbols is the finalization hook: dead symbols still in an allocated
// state are leaks. Dead entries are dropped from every table regardless, so
// no table ever references a reclaimed symbol.
func (c *Checker) DeadSymbols(reaper symexec.SymbolReaper, ctx symexec.CheckerContext) {
	state := ctx.State()
	t := tablesOf(state)

	var errors []*symexec.Symbol
	var deadTracked []*symexec.Symbol
	t.eachRecord(func(sym *symexec.Symbol, rec RefRecord) {
		if !reaper.IsDead(sym) {
			return
		}
		if rec.IsLive() {
			errors = append(errors, sym)
		}
		deadTracked = append(deadTracked, sym)
	})

	newT := t
	for _, sym := range deadTracked {
		newT = newT.removeRecord(sym)
	}

	c.logger.Debugf("symbol cleanup: %d tracked symbols died, %d leaked", len(deadTracked), len(errors))

	var deadPairs []*symexec.Symbol
	newT.eachPair(func(to *symexec.Symbol, pair ReallocPair) {
		if reaper.IsDead(to) || reaper.IsDead(pair.From) {
			deadPairs = append(deadPairs, to)
		}
	})
	for _, to := range deadPairs {
		newT = newT.removePair(to)
	}

	var deadReturns []*symexec.Symbol
	newT.eachFreeReturn(func(sym, ret *symexec.Symbol) {
		if reaper.IsDead(sym) || reaper.IsDead(ret) {
			deadReturns = append(deadReturns, sym)
		}
	})
	for _, sym := range deadReturns {
		newT = newT.removeFreeReturn(sym)
	}

	var deadZero []*symexec.Symbol
	newT.eachZeroSized(func(sym *symexec.Symbol) {
		if reaper.IsDead(sym) {
			deadZero = append(deadZero, sym)
		}
	})
	for _, sym := range deadZero {
		newT = newT.removeZeroSized(sym)
		newT = newT.removeContainerObj(sym)
	}
	for _, sym := range deadTracked {
		newT = newT.removeContainerObj(sym)
	}

	if len(deadTracked) == 0 && len(deadPairs) == 0 && len(deadReturns) == 0 && len(deadZero) == 0 {
		// No table references a dead symbol; leave the state alone.
		return
	}

	node := ctx.Predecessor()
	if len(errors) > 0 {
		node = ctx.GenerateNonFatalErrorNode(state, deadSymbolsTag)
		if node != nil {
			// Report in a stable order; map iteration is not.
			sort.Slice(errors, func(i, j int) bool { return errors[i].ID < errors[j].ID })
			for _, sym := range errors {
				c.reportLeak(ctx, sym, node)
			}
		}
	}

	ctx.AddTransitionFrom(withTables(state, newT), node)
}

// getAllocationSite walks the execution graph backwards from n to the node
// that first tracked sym: the allocation site, used to unique leak reports.
// It also picks the most recent binding of sym to a region in the frame the
// leak is reported in, to name the leaking variable.
func getAllocationSite(n *symexec.ExplodedNode, sym *symexec.Symbol) (*symexec.ExplodedNode, *symexec.Region) {
	leakFrame := n.Frame
	allocNode := n
	var referenceRegion *symexec.Region

	for n != nil {
		if _, ok := tablesOf(n.State).Record(sym); !ok {
			break
		}

		if referenceRegion == nil && n.Store != nil {
			if symexec.AsSymbol(n.Store.Val) == sym {
				base := n.Store.Region.BaseRegion()
				// Do not name variables of functions other than the one the
				// leak is reported in.
				if base.Kind != symexec.RegionVar || base.Frame == leakFrame {
					referenceRegion = n.Store.Region
				}
			}
		}

		// The allocation site is the last node that tracked the symbol in
		// the reporting context or one of its parents.
		if n.Frame == leakFrame || n.Frame.IsParentOf(leakFrame) {
			allocNode = n
		}
		n = n.FirstPred()
	}

	return allocNode, referenceRegion
}

func (c *Checker) reportLeak(ctx symexec.CheckerContext, sym *symexec.Symbol, node *symexec.ExplodedNode) {
	if !c.enabled[ckMalloc] && !c.enabled[ckNewDeleteLeaks] {
		return
	}

	rec, ok := tablesOf(ctx.State()).Record(sym)
	if !ok {
		return
	}

	// The stack reclaims alloca() memory on return.
	if rec.Family == FamilyAlloca {
		return
	}

	kind, ok := c.checkIfTracked(rec.Family, true)
	if !ok {
		return
	}

	allocNode, region := getAllocationSite(node, sym)

	msg := "Potential memory leak"
	if region != nil {
		if pretty, ok := region.PrintPretty(); ok {
			msg = "Potential leak of memory pointed to by " + pretty
		}
	}

	r := symexec.NewReport(leakCategory, msg, node)
	r.CheckName = checkNames[kind]
	// Leaks are uniqued by where the memory was allocated, not where the
	// symbol died, so one defect reached through many paths reports once.
	if allocNode != nil && allocNode.Stmt != nil {
		r.UniqueingPos = allocNode.Stmt.Pos
		r.UniqueingDecl = allocNode.Frame.FuncName
	}
	// Sinks are higher-importance bugs, and noreturn paths (assert, exit)
	// should not also complain about leaks.
	r.SuppressOnSink = true
	r.MarkInteresting(sym)
	r.AddVisitor(newLifecycleVisitor(c, sym, true))
	ctx.EmitReport(r)
}
