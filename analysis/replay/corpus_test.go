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

package replay_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/heaplens/heaplens/analysis/config"
	"github.com/heaplens/heaplens/analysis/memdiag"
	"github.com/heaplens/heaplens/analysis/replay"
	"golang.org/x/tools/txtar"
)

// TestCorpus replays every txtar archive under testdata. An archive holds a
// trace.yaml plus an expect file listing one "Category @ pos: message" line
// per expected report, in order; an empty expect file means a clean trace.
func TestCorpus(t *testing.T) {
	archives, err := filepath.Glob(filepath.Join("testdata", "*.txtar"))
	if err != nil {
		t.Fatalf("could not glob testdata: %v", err)
	}
	if len(archives) == 0 {
		t.Fatalf("no corpus archives found")
	}

	for _, path := range archives {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			ar, err := txtar.ParseFile(path)
			if err != nil {
				t.Fatalf("could not parse archive: %v", err)
			}

			var traceSrc, expect []byte
			for _, f := range ar.Files {
				switch f.Name {
				case "trace.yaml":
					traceSrc = f.Data
				case "expect":
					expect = f.Data
				}
			}
			if traceSrc == nil {
				t.Fatalf("archive has no trace.yaml")
			}

			cfg := config.NewDefault()
			logger := config.NewLogGroup(cfg)
			trace, err := replay.ParseTrace(traceSrc)
			if err != nil {
				t.Fatalf("could not parse trace: %v", err)
			}
			eng := replay.NewEngine(cfg, logger, memdiag.NewChecker(cfg, logger))
			if err := eng.Run(trace); err != nil {
				t.Fatalf("could not replay: %v", err)
			}

			var want []string
			for _, line := range strings.Split(strings.TrimSpace(string(expect)), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					want = append(want, line)
				}
			}

			got := summaries(eng.Finish())
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("diagnostics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
