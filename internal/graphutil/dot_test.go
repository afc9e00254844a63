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

package graphutil

import (
	"strings"
	"testing"
)

func TestWriteDOT(t *testing.T) {
	nodes := []Node{
		{ID: 1, Label: "#1 root", PredID: -1},
		{ID: 2, Label: "#2 malloc", PredID: 1},
		{ID: 3, Label: "#3 free", PredID: 2},
	}

	var sb strings.Builder
	if err := WriteDOT(&sb, "exploded", nodes); err != nil {
		t.Fatalf("WriteDOT: %v", err)
	}
	out := sb.String()

	for _, want := range []string{"digraph exploded", "#2 malloc", "1 -> 2", "2 -> 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("dot output missing %q:\n%s", want, out)
		}
	}
}
