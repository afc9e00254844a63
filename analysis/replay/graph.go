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
	"github.com/heaplens/heaplens/analysis/symexec"
	"github.com/yourbasic/graph"
)

// topoRanks orders the exploded nodes topologically (predecessor before
// successor) and returns each node's rank. Reports are sorted by the rank of
// their error node so the output order matches program order regardless of
// map iteration.
func (e *Engine) topoRanks() map[*symexec.ExplodedNode]int {
	index := make(map[*symexec.ExplodedNode]int, len(e.nodes))
	for i, n := range e.nodes {
		index[n] = i
	}

	g := graph.New(len(e.nodes))
	for i, n := range e.nodes {
		if n.Pred != nil {
			g.Add(index[n.Pred], i)
		}
	}

	order, ok := graph.TopSort(g)
	rank := make(map[*symexec.ExplodedNode]int, len(e.nodes))
	if !ok {
		// The exploded graph cannot have cycles; fall back to creation
		// order if it somehow does.
		for i, n := range e.nodes {
			rank[n] = i
		}
		return rank
	}
	for r, idx := range order {
		rank[e.nodes[idx]] = r
	}
	return rank
}
