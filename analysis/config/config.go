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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// The global config file
	configFile string
)

// SetGlobalConfig sets the global config filename
func SetGlobalConfig(filename string) {
	configFile = filename
}

// LoadGlobal loads the config file that has been set by SetGlobalConfig
func LoadGlobal() (*Config, error) {
	return Load(configFile)
}

// Config carries all the options of a heaplens run. If some field is not
// defined in the config file, it keeps its default from NewDefault.
type Config struct {
	Options `yaml:",inline"`

	sourceFile string
}

// Options are the user-settable knobs of the checker and its reporting.
type Options struct {
	// LogLevel controls the verbosity of the tool (see LogLevel constants).
	LogLevel int `yaml:"log-level"`

	// Optimistic enables modeling of functions annotated with the ownership
	// attributes (ownership_returns, ownership_takes, ownership_holds). In
	// pessimistic mode (the default) the checker assumes it does not know
	// which user functions might free memory.
	Optimistic bool `yaml:"optimistic"`

	// TargetOS names the platform of the analyzed program; it selects the
	// kernel-allocator zero-flag value. One of "freebsd", "netbsd",
	// "openbsd", "linux", or empty.
	TargetOS string `yaml:"target-os"`

	// SuppressRefcountDestructors keeps the heuristic that drops reports
	// whose release happens inside a reference-counting smart-pointer
	// destructor. On by default.
	SuppressRefcountDestructors bool `yaml:"suppress-refcount-destructors"`

	// Checks toggles which diagnostic groups are emitted. The lifecycle
	// modeling always runs; toggles only gate reports.
	Checks ChecksConfig `yaml:"checks"`
}

// ChecksConfig holds the five independent diagnostic toggles.
type ChecksConfig struct {
	Malloc                bool `yaml:"malloc"`
	NewDelete             bool `yaml:"new-delete"`
	NewDeleteLeaks        bool `yaml:"new-delete-leaks"`
	MismatchedDeallocator bool `yaml:"mismatched-deallocator"`
	InnerPointer          bool `yaml:"inner-pointer"`
}

// NewDefault returns a config with every diagnostic enabled, info-level
// logging, and the refcount-destructor suppression on.
func NewDefault() *Config {
	return &Config{
		Options: Options{
			LogLevel:                    int(InfoLevel),
			SuppressRefcountDestructors: true,
			Checks: ChecksConfig{
				Malloc:                true,
				NewDelete:             true,
				NewDeleteLeaks:        true,
				MismatchedDeallocator: true,
				InnerPointer:          true,
			},
		},
	}
}

// Load reads a Config from a yaml file.
func Load(filename string) (*Config, error) {
	cfg := NewDefault()
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %q: %w", filename, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file %q: %w", filename, err)
	}
	cfg.sourceFile = filename
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", filename, err)
	}
	return cfg, nil
}

// SourceFile returns the file this config was loaded from, or "".
func (c *Config) SourceFile() string { return c.sourceFile }

// Validate checks option values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if c.LogLevel < int(ErrLevel) || c.LogLevel > int(TraceLevel) {
		return fmt.Errorf("log-level %d out of range [%d,%d]", c.LogLevel, ErrLevel, TraceLevel)
	}
	switch c.TargetOS {
	case "", "freebsd", "netbsd", "openbsd", "linux":
	default:
		return fmt.Errorf("unknown target-os %q", c.TargetOS)
	}
	return nil
}
