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

package replay

import (
	"testing"

	"github.com/heaplens/heaplens/analysis/config"
	"github.com/heaplens/heaplens/analysis/memdiag"
	"github.com/heaplens/heaplens/analysis/symexec"
)

func replayInto(t *testing.T, cfg *config.Config, src string) *Engine {
	t.Helper()
	logger := config.NewLogGroup(cfg)
	trace, err := ParseTrace([]byte(src))
	if err != nil {
		t.Fatalf("could not parse trace: %v", err)
	}
	eng := NewEngine(cfg, logger, memdiag.NewChecker(cfg, logger))
	if err := eng.Run(trace); err != nil {
		t.Fatalf("could not replay: %v", err)
	}
	return eng
}

func TestKernelMallocZeroInitialization(t *testing.T) {
	cfg := config.NewDefault()
	eng := replayInto(t, cfg, `
target-os: linux
events:
  - {kind: call, name: kmalloc, args: ["int:16", "int:32768"], ret: "heap:p", pos: "k.c:1:10"}
  - {kind: call, name: kmalloc, args: ["int:16", "int:4"], ret: "heap:q", pos: "k.c:2:10"}
`)

	st := eng.CurrentState().(*state)

	p := eng.SymbolNamed("p")
	if init, ok := st.defaultInit(p); !ok || !symexec.IsZeroConstant(init) {
		t.Errorf("kmalloc with __GFP_ZERO should zero-initialize, got %v, %v", init, ok)
	}

	q := eng.SymbolNamed("q")
	if init, ok := st.defaultInit(q); !ok {
		t.Errorf("kmalloc without __GFP_ZERO should still bind an initial value")
	} else if _, undef := init.(symexec.UndefinedVal); !undef {
		t.Errorf("kmalloc without __GFP_ZERO should leave contents undefined, got %v", init)
	}
}

func TestKernelMallocUnknownPlatform(t *testing.T) {
	// With no recognized target OS the flags argument is ignored and the
	// allocation is plain malloc.
	cfg := config.NewDefault()
	eng := replayInto(t, cfg, `
events:
  - {kind: call, name: malloc, args: ["int:16", "unknown", "int:256"], ret: "heap:p", pos: "k.c:1:10"}
`)
	st := eng.CurrentState().(*state)
	p := eng.SymbolNamed("p")
	if init, ok := st.defaultInit(p); !ok {
		t.Fatalf("three-argument malloc was not modeled")
	} else if _, undef := init.(symexec.UndefinedVal); !undef {
		t.Errorf("three-argument malloc on an unknown platform should not zero, got %v", init)
	}
}

func TestDeadSymbolDependencyChains(t *testing.T) {
	e := testEngine(t)
	a := e.newSymbol(symexec.Type{Kind: symexec.TypePointer})
	b := e.newSymbol(symexec.Type{Kind: symexec.TypePointer})
	c := e.newSymbol(symexec.Type{Kind: symexec.TypePointer})
	e.AddSymbolDependency(a, b) // a keeps b alive
	e.AddSymbolDependency(b, c) // b keeps c alive

	// Killing only b and c while a lives rescues the whole chain.
	e.DoDead([]*symexec.Symbol{b, c}, symexec.Pos{File: "x.c", Line: 1})

	// Killing all three lets everything die; nothing to assert beyond not
	// panicking, since the nop checker ignores the reaper.
	e.DoDead([]*symexec.Symbol{a, b, c}, symexec.Pos{File: "x.c", Line: 2})
}

func TestFreeReturnValueRevivesFailedFree(t *testing.T) {
	// A deallocator that reports failure through a null return: when the
	// status is assumed null, freeing again is not a double free.
	cfg := config.NewDefault()
	logger := config.NewLogGroup(cfg)
	trace, err := ParseTrace([]byte(`
events:
  - {kind: call, name: malloc, args: ["int:8"], ret: "heap:p", pos: "f.c:1:10"}
  - kind: objc
    selector: [initWithBytesNoCopy, length, freeWhenDone]
    args: ["loc:p", "int:8", "int:1"]
    receiver: "heap:obj"
    ret: "sym:st"
    system: true
    pos: "f.c:2:3"
  - {kind: assume, sym: st, pos: "f.c:3:3"}
  - kind: objc
    selector: [initWithBytesNoCopy, length, freeWhenDone]
    args: ["loc:p", "int:8", "int:1"]
    receiver: "heap:obj2"
    system: true
    pos: "f.c:4:3"
`))
	if err != nil {
		t.Fatalf("could not parse trace: %v", err)
	}
	eng := NewEngine(cfg, logger, memdiag.NewChecker(cfg, logger))
	if err := eng.Run(trace); err != nil {
		t.Fatalf("could not replay: %v", err)
	}
	if reports := eng.Finish(); len(reports) != 0 {
		t.Errorf("failed free should permit a second transfer, got %v", reports)
	}

	tables := memdiag.StateTables(eng.CurrentState())
	if rec, ok := tables.Record(eng.SymbolNamed("p")); !ok || !rec.IsRelinquished() {
		t.Errorf("p should be relinquished after the retry, got %v, %v", rec, ok)
	}
}
