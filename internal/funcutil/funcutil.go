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

// Package funcutil implements generic functional helpers over slices and
// maps.
package funcutil

import "golang.org/x/exp/constraints"

// Map returns a new slice b such that for any i < len(a), b[i] = f(a[i])
func Map[T any, S any](a []T, f func(T) S) []S {
	var b []S
	for _, x := range a {
		b = append(b, f(x))
	}
	return b
}

// Filter returns the elements of a for which pred holds, in order.
func Filter[T any](a []T, pred func(T) bool) []T {
	var b []T
	for _, x := range a {
		if pred(x) {
			b = append(b, x)
		}
	}
	return b
}

// Iter iterates over all elements in the slice and call the function on that element.
func Iter[T any](a []T, f func(T)) {
	for _, x := range a {
		f(x)
	}
}

// Contains returns true when x appears in a.
func Contains[T comparable](a []T, x T) bool {
	for _, y := range a {
		if y == x {
			return true
		}
	}
	return false
}

// Exists returns true when pred holds for some element of a.
func Exists[T any](a []T, pred func(T) bool) bool {
	for _, x := range a {
		if pred(x) {
			return true
		}
	}
	return false
}

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Merge merges the two maps into the first map.
// if x is in b but not in a, then a[x] := b[x]
// if x is in both a and b, then a[x] := both(a[x], b[x])
// @mutates a
func Merge[T comparable, S any](a map[T]S, b map[T]S, both func(x S, y S) S) {
	for x, yb := range b {
		ya, ina := a[x]
		if ina {
			a[x] = both(ya, yb)
		} else {
			a[x] = yb
		}
	}
}
