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

// Package replay is a deterministic mini-engine that drives the heaplens
// checkers over recorded call traces. It is not a symbolic executor: every
// trace event carries pre-evaluated values, and the engine's job is to
// maintain per-path immutable states, fork them on assumptions, dispatch the
// checker callbacks in program order, and render the resulting diagnostics.
//
// Traces are yaml documents (see Trace); the test corpora bundle a trace
// with its expected diagnostics in txtar archives.
package replay
