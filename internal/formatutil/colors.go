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

// Package formatutil manipulates string colors and other formatting
// operations for terminal output.
package formatutil

import (
	"fmt"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	Bold    = colorize(color.New(color.Bold))
	Faint   = colorize(color.New(color.Faint))
	Italic  = colorize(color.New(color.Italic))
	Red     = colorize(color.New(color.Bold, color.FgRed))
	Green   = colorize(color.New(color.Bold, color.FgGreen))
	Yellow  = colorize(color.New(color.Bold, color.FgYellow))
	Blue    = colorize(color.New(color.Bold, color.FgBlue))
	Magenta = colorize(color.New(color.Bold, color.FgMagenta))
	Cyan    = colorize(color.New(color.Bold, color.FgCyan))
	White   = colorize(color.New(color.Bold, color.FgWhite))
)

// colorize wraps a color into a sprint function that only emits escape
// sequences when stdout is a terminal.
func colorize(c *color.Color) func(...any) string {
	return func(args ...any) string {
		if term.IsTerminal(1) {
			return c.Sprint(args...)
		}
		return fmt.Sprint(args...)
	}
}

// Sanitize is a simple sanitizer that removes all escape sequences
func Sanitize(s string) string {
	r := fmt.Sprintf("%q", s)
	if len(r) >= 2 {
		return r[1 : len(r)-1]
	}
	return r
}

// SanitizeRepr is a simple sanitizer that removes all escape sequences from the string representation of an object
func SanitizeRepr(s fmt.Stringer) string {
	return Sanitize(s.String())
}
