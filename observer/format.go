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

package observer

import (
	"fmt"
	"math"
	"strings"
)

var durationUnits = []struct {
	symbol string
	scale  float64
}{
	{"s", 1},
	{"ms", 1e3},
	{"µs", 1e6},
	{"ns", 1e9},
}

// FormatDuration renders a duration in seconds as a human-readable string
// with a constant number of significant digits, e.g. 0.0507 -> "50.7 ms".
// Trailing zeros are kept so columns of durations line up, but no value
// ends in a bare decimal point.
func FormatDuration(seconds float64, precision int, delimiter string) string {
	i := len(durationUnits) - 1
	if seconds > 0 {
		i = min(-floorDiv(int(math.Floor(math.Log10(seconds))), 3), i)
		if i < 0 {
			i = 0
		}
	}
	unit := durationUnits[i]
	value := fmt.Sprintf("%#.*g", precision, seconds*unit.scale)
	value = strings.TrimSuffix(value, ".")
	return value + delimiter + unit.symbol
}

// floorDiv divides rounding toward negative infinity, so that e.g.
// -2/3 is -1 rather than 0.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
