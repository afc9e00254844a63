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

// Package symexec defines the surface of the host symbolic-execution engine
// that the heaplens checkers consume: symbolic values, memory regions, call
// events, per-path immutable state, exploded-graph nodes and diagnostic
// reports. The package contains contracts and plain data types only; the
// engine that produces them lives elsewhere (see analysis/replay for the
// trace-replay engine used by tests and the CLI).
//
// The design mirrors what a path-sensitive engine must provide: every
// callback receives an immutable State and produces new States through
// copy-on-write updates, so sibling paths can share structure after a fork.
package symexec
