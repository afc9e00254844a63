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

// Package memdiag implements a path-sensitive heap-lifecycle checker that
// rides on a symbolic-execution engine (see analysis/symexec). It tracks a
// per-symbol finite-state machine over the states allocated, released,
// relinquished and escaped, and diagnoses double free, use after free,
// mismatched allocator/deallocator pairing, free of non-heap memory, offset
// free, use of zero-sized allocations, and leaks.
//
// The checker models several allocator families: the C malloc family
// (including the glib g_* set and kernel allocators), POSIX if_nameindex,
// stack alloca, the standard C++ new/delete operators, and inner buffers
// owned by container objects. Ownership-annotated user functions join the
// malloc family when optimistic mode is enabled.
//
// All per-path bookkeeping lives in persistent maps threaded through the
// engine's state object; the checker never mutates a state it received, so
// path forks share structure at no cost.
package memdiag
