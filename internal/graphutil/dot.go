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

// Package graphutil renders execution graphs for debugging.
package graphutil

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// A Node is one vertex of a graph to render: an id, a display label, and the
// id of its predecessor (PredID < 0 for roots).
type Node struct {
	ID     int
	Label  string
	PredID int
}

type dotNode struct {
	id    int64
	label string
}

func (n dotNode) ID() int64 { return n.id }

func (n dotNode) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "label", Value: fmt.Sprintf("%q", n.label)}}
}

// WriteDOT renders the predecessor graph in graphviz dot format.
func WriteDOT(w io.Writer, name string, nodes []Node) error {
	g := simple.NewDirectedGraph()
	byID := make(map[int]dotNode, len(nodes))
	for _, n := range nodes {
		dn := dotNode{id: int64(n.ID), label: n.Label}
		byID[n.ID] = dn
		g.AddNode(dn)
	}
	for _, n := range nodes {
		if n.PredID < 0 {
			continue
		}
		pred, ok := byID[n.PredID]
		if !ok || pred.id == int64(n.ID) {
			continue
		}
		g.SetEdge(g.NewEdge(pred, byID[n.ID]))
	}

	b, err := dot.Marshal(g, name, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal graph: %w", err)
	}
	_, err = w.Write(b)
	return err
}
