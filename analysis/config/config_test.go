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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	name := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(name, []byte(contents), 0o600); err != nil {
		t.Fatalf("could not write test config: %v", err)
	}
	return name
}

func TestDefaults(t *testing.T) {
	cfg := NewDefault()
	if !cfg.Checks.Malloc || !cfg.Checks.NewDelete || !cfg.Checks.NewDeleteLeaks ||
		!cfg.Checks.MismatchedDeallocator || !cfg.Checks.InnerPointer {
		t.Errorf("expected all checks enabled by default, got %+v", cfg.Checks)
	}
	if cfg.Optimistic {
		t.Errorf("optimistic mode should be off by default")
	}
	if !cfg.SuppressRefcountDestructors {
		t.Errorf("refcount suppression should be on by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	name := writeTestConfig(t, `
log-level: 4
optimistic: true
target-os: linux
checks:
  malloc: true
  new-delete: false
  new-delete-leaks: false
  mismatched-deallocator: true
  inner-pointer: false
`)
	cfg, err := Load(name)
	if err != nil {
		t.Fatalf("could not load config: %v", err)
	}
	if cfg.LogLevel != int(DebugLevel) {
		t.Errorf("expected log-level %d, got %d", DebugLevel, cfg.LogLevel)
	}
	if !cfg.Optimistic {
		t.Errorf("expected optimistic mode on")
	}
	if cfg.TargetOS != "linux" {
		t.Errorf("expected target-os linux, got %q", cfg.TargetOS)
	}
	if cfg.Checks.NewDelete || cfg.Checks.NewDeleteLeaks || cfg.Checks.InnerPointer {
		t.Errorf("expected toggled-off checks to be off: %+v", cfg.Checks)
	}
	if !cfg.Checks.Malloc || !cfg.Checks.MismatchedDeallocator {
		t.Errorf("expected toggled-on checks to stay on: %+v", cfg.Checks)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	for _, contents := range []string{
		"log-level: 11\n",
		"target-os: plan9\n",
	} {
		name := writeTestConfig(t, contents)
		if _, err := Load(name); err == nil {
			t.Errorf("expected config %q to be rejected", contents)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Errorf("expected an error for a missing config file")
	}
}
