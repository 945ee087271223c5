/*
 *
 * Copyright 2025 The LinuxCNC Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package ringreg

import "math/bits"

// modSet is a fixed-width set of module ids in [0, MaxModules). Insert,
// remove, membership and cardinality are all O(1) in the number of words.
// The zero value is the empty set.
type modSet struct {
	words [MaxModules / 64]uint64
}

func (s *modSet) add(id int) {
	s.words[id>>6] |= 1 << (uint(id) & 63)
}

func (s *modSet) remove(id int) {
	s.words[id>>6] &^= 1 << (uint(id) & 63)
}

func (s *modSet) contains(id int) bool {
	return s.words[id>>6]&(1<<(uint(id)&63)) != 0
}

func (s *modSet) count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// members returns the ids in the set in ascending order.
func (s *modSet) members() []int {
	ids := make([]int, 0, s.count())
	for wi, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			ids = append(ids, wi<<6|b)
			w &= w - 1
		}
	}
	return ids
}
