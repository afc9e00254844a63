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

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/heaplens/heaplens/analysis/config"
	"github.com/heaplens/heaplens/analysis/memdiag"
	"github.com/heaplens/heaplens/analysis/replay"
	"github.com/heaplens/heaplens/analysis/symexec"
	"github.com/heaplens/heaplens/internal/formatutil"
	"github.com/heaplens/heaplens/internal/funcutil"
	"github.com/heaplens/heaplens/internal/graphutil"
)

var (
	configPath = ""
	graphPath  = ""
	verbose    = false
)

func init() {
	flag.StringVar(&configPath, "config", "", "config file path for heaplens")
	flag.StringVar(&graphPath, "graph", "", "write the exploded graph in dot format to this file")
	flag.BoolVar(&verbose, "verbose", false, "verbose output (sets the log level to debug)")
}

const usage = `Replay recorded call traces through the heap-lifecycle checker.

Usage:
  heaplens [-config config.yaml] [-graph out.dot] trace.yaml...

Exit status is 1 when any diagnostic is reported.
`

func main() {
	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "heaplens: %s\n", err)
		os.Exit(1)
	}
}

func doMain() error {
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.NewDefault()
	if configPath != "" {
		config.SetGlobalConfig(configPath)
		var err error
		cfg, err = config.LoadGlobal()
		if err != nil {
			return err
		}
	}
	if verbose {
		cfg.LogLevel = int(config.DebugLevel)
	}

	logger := config.NewLogGroup(cfg)
	logger.Infof("Loaded config %q, replaying %d trace(s)", configPath, len(flag.Args()))

	total := 0
	for _, traceFile := range flag.Args() {
		n, err := replayOne(cfg, logger, traceFile)
		if err != nil {
			return err
		}
		total += n
	}

	if total > 0 {
		logger.Infof("%d diagnostic(s) reported", total)
		os.Exit(1)
	}
	logger.Infof("No diagnostics")
	return nil
}

func replayOne(cfg *config.Config, logger *config.LogGroup, traceFile string) (int, error) {
	data, err := os.ReadFile(traceFile)
	if err != nil {
		return 0, fmt.Errorf("could not read trace %q: %w", traceFile, err)
	}
	trace, err := replay.ParseTrace(data)
	if err != nil {
		return 0, fmt.Errorf("trace %q: %w", traceFile, err)
	}

	checker := memdiag.NewChecker(cfg, logger)
	eng := replay.NewEngine(cfg, logger, checker)
	if err := eng.Run(trace); err != nil {
		return 0, fmt.Errorf("trace %q: %w", traceFile, err)
	}
	reports := eng.Finish()

	for _, r := range reports {
		printReport(traceFile, r)
	}

	if graphPath != "" {
		if err := writeGraph(eng, graphPath); err != nil {
			return 0, err
		}
	}

	return len(reports), nil
}

func printReport(traceFile string, r *symexec.Report) {
	pos := r.Pos().String()
	fmt.Printf("%s: %s: %s: %s [%s] (%s)\n",
		traceFile, formatutil.Red(pos), formatutil.Yellow(r.Category), r.Message,
		r.CheckName, r.ID)
	for _, note := range r.Notes() {
		fmt.Printf("  %s: %s\n", note.Pos, formatutil.Faint(note.Msg))
	}
}

func writeGraph(eng *replay.Engine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create graph file %q: %w", path, err)
	}
	defer f.Close()

	nodes := funcutil.Map(eng.Nodes(), func(n *symexec.ExplodedNode) graphutil.Node {
		label := fmt.Sprintf("#%d", n.ID)
		if n.Stmt != nil && n.Stmt.Spelling != "" {
			label += " " + n.Stmt.Spelling
		}
		if n.Tag != "" {
			label += " [" + n.Tag + "]"
		}
		pred := -1
		if n.Pred != nil {
			pred = n.Pred.ID
		}
		return graphutil.Node{ID: n.ID, Label: label, PredID: pred}
	})
	return graphutil.WriteDOT(f, "exploded", nodes)
}
