/*
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
 */

package internal

import (
	"golang.org/x/exp/constraints"
)

// BisectRight returns the index at which v would be inserted into the
// ascending-sorted slice arr to keep it sorted, placing v after any
// existing entries equal to v. The returned index is in [0, len(arr)].
func BisectRight[T constraints.Ordered](arr []T, v T) int {
	lo, hi := 0, len(arr)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if arr[mid] <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
