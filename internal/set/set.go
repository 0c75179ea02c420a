// Copyright 2025 Machine King Labs
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

package set

import "sort"

type Set[T comparable] map[T]struct{}

func FromSlice[T comparable](s []T) Set[T] {
	out := make(Set[T], len(s))
	for _, v := range s {
		out[v] = struct{}{}
	}
	return out
}

func (s Set[T]) Add(k T) {
	s[k] = struct{}{}
}

func (s Set[T]) Contains(k T) bool {
	_, ok := s[k]
	return ok
}

func (s Set[T]) Keys() []T {
	result := make([]T, 0, len(s))
	for k := range s {
		result = append(result, k)
	}
	return result
}

// SortedKeys returns the keys in ascending order; handy for stable
// SQL column lists and test output.
func SortedKeys(s Set[string]) []string {
	keys := s.Keys()
	sort.Strings(keys)
	return keys
}
