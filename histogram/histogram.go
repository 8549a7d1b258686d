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

// Package histogram provides a streaming, bounded-memory approximate
// histogram for estimating quantiles and moments of an unbounded stream
// of float64 samples.
package histogram

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/perf-timer/perf-timer-go/internal"
)

var (
	ErrEmpty          = errors.New("operation is undefined for an empty histogram")
	ErrNaN            = errors.New("cannot add NaN to a histogram")
	ErrInfinity       = errors.New("cannot add infinity to a histogram")
	ErrInvalidMaxBins = errors.New("maxBins must be at least 2")
	ErrCorruptedState = errors.New("histogram internal state is corrupted")
)

type bin struct {
	value  float64
	weight uint64
}

// Histogram is a streaming, approximate histogram.
// This implementation is based on the paper:
// Yael Ben-Haim, Elad Tom-Tov. "A Streaming Parallel Decision Tree Algorithm"
// http://jmlr.org/papers/volume11/ben-haim10a/ben-haim10a.pdf
//
// It holds at most maxBins (value, weight) bins and merges the two closest
// bins whenever an insertion would exceed that capacity. Quantile() matches
// the conventional linear-interpolation sample quantile exactly until the
// number of samples exceeds maxBins, and then gracefully transitions to an
// approximation. Sum(), Mean(), MinValue() and MaxValue() stay exact
// regardless of compression.
//
// A Histogram is not safe for concurrent use; the owner must serialize
// writers, and queries must not run concurrently with Add.
type Histogram struct {
	maxBins int
	bins    []bin     // sorted ascending by value
	costs   []float64 // costs[i] is bins[i+1].value - bins[i].value
	count   uint64
	min     float64
	max     float64
}

// New creates a Histogram holding at most maxBins bins.
func New(maxBins int) (*Histogram, error) {
	if maxBins < 2 {
		return nil, ErrInvalidMaxBins
	}
	return &Histogram{
		maxBins: maxBins,
		bins:    make([]bin, 0, maxBins+1),
		costs:   make([]float64, 0, maxBins),
		min:     math.Inf(1),
		max:     math.Inf(-1),
	}, nil
}

// Add inserts one sample into the histogram. Non-finite samples are
// rejected before any state is modified, since they would corrupt the
// sort order of the bins.
func (h *Histogram) Add(point float64) error {
	if math.IsNaN(point) {
		return ErrNaN
	}
	if math.IsInf(point, 0) {
		return ErrInfinity
	}
	h.count++
	h.min = math.Min(h.min, point)
	h.max = math.Max(h.max, point)
	h.insert(bin{value: point, weight: 1})
	if len(h.bins) > h.maxBins {
		h.mergeCheapest()
	}
	return nil
}

// Merge merges another histogram into this one. The other histogram's bins
// are re-inserted with their weights, so count, sum, min and max are
// preserved exactly; quantiles of the result are approximate.
func (h *Histogram) Merge(other *Histogram) error {
	if other.IsEmpty() {
		return ErrEmpty
	}
	for _, b := range other.bins {
		h.insert(b)
		if len(h.bins) > h.maxBins {
			h.mergeCheapest()
		}
	}
	h.count += other.count
	h.min = math.Min(h.min, other.min)
	h.max = math.Max(h.max, other.max)
	return nil
}

// IsEmpty returns true if the histogram has not seen any samples.
func (h *Histogram) IsEmpty() bool {
	return h.count == 0
}

// Count returns the number of samples represented by this histogram.
func (h *Histogram) Count() uint64 {
	return h.count
}

// MaxBins returns the bin capacity fixed at construction.
func (h *Histogram) MaxBins() int {
	return h.maxBins
}

// NumBins returns the number of bins currently in use.
func (h *Histogram) NumBins() int {
	return len(h.bins)
}

// MinValue returns the minimum sample seen by the histogram.
func (h *Histogram) MinValue() (float64, error) {
	if h.IsEmpty() {
		return 0, ErrEmpty
	}
	return h.min, nil
}

// MaxValue returns the maximum sample seen by the histogram.
func (h *Histogram) MaxValue() (float64, error) {
	if h.IsEmpty() {
		return 0, ErrEmpty
	}
	return h.max, nil
}

// Sum returns the sum of all samples. Exact regardless of compression,
// since a merged bin sits at the weighted mean of its sources.
func (h *Histogram) Sum() (float64, error) {
	if h.IsEmpty() {
		return 0, ErrEmpty
	}
	var sum float64
	for _, b := range h.bins {
		sum += b.value * float64(b.weight)
	}
	return sum, nil
}

// Mean returns the mean of all samples. Exact regardless of compression.
func (h *Histogram) Mean() (float64, error) {
	sum, err := h.Sum()
	if err != nil {
		return 0, err
	}
	return sum / float64(h.count), nil
}

// StdDev returns the population standard deviation of the samples.
// Approximate once bins have merged, since variance within a merged bin
// is lost.
func (h *Histogram) StdDev() (float64, error) {
	mean, err := h.Mean()
	if err != nil {
		return 0, err
	}
	var sumSquares float64
	for _, b := range h.bins {
		d := b.value - mean
		sumSquares += d * d * float64(b.weight)
	}
	return math.Sqrt(sumSquares / float64(h.count)), nil
}

// Quantile returns the value at the given quantile fraction. Fractions
// at or below 0 return the minimum and fractions at or above 1 return the
// maximum; values in between are interpolated.
func (h *Histogram) Quantile(q float64) (float64, error) {
	values, err := h.Quantiles([]float64{q})
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// Quantiles returns the values at the given quantile fractions. The
// fractions need not be sorted. The prefix sums over the bins are shared
// across the batch, so the cost is O(maxBins + len(qs)*log(maxBins)).
func (h *Histogram) Quantiles(qs []float64) ([]float64, error) {
	if h.IsEmpty() {
		return nil, ErrEmpty
	}
	if len(h.costs) != len(h.bins)-1 {
		return nil, fmt.Errorf("%w: %d bins with %d costs", ErrCorruptedState, len(h.bins), len(h.costs))
	}

	// Cumulative weight up to and including each bin. A bin holding more
	// than one sample spans an interval rather than sitting at a point, so
	// only half of its own weight is counted at its position. Single-sample
	// bins are exact observations; leaving their full weight in place is
	// what lets the uncompressed histogram reproduce the conventional
	// linear-interpolation sample quantile.
	sums := make([]float64, len(h.bins))
	var cum uint64
	for i, b := range h.bins {
		cum += b.weight
		s := float64(cum)
		if b.weight > 1 {
			s -= float64(b.weight) / 2
		}
		sums[i] = s
	}

	values := make([]float64, len(qs))
	for i, q := range qs {
		v, err := h.quantile(sums, q)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func (h *Histogram) quantile(sums []float64, q float64) (float64, error) {
	if q <= 0 {
		return h.min, nil
	}
	if q >= 1 {
		return h.max, nil
	}

	target := q*float64(h.count-1) + 1
	i := internal.BisectRight(sums, target) - 1

	// Synthetic zero-weight boundary bins stand in for the tails.
	left := bin{value: h.min}
	if i >= 0 {
		left = h.bins[i]
	}
	right := bin{value: h.max}
	if i+1 < len(h.bins) {
		right = h.bins[i+1]
	}

	leftSum := 1.0
	if i >= 0 {
		leftSum = sums[i]
	}
	s := target - leftSum
	lw := float64(left.weight)
	rw := float64(right.weight)

	if lw <= 1 && rw <= 1 {
		// Exact information at this quantile; match the conventional
		// linear-interpolation sample quantile.
		if rw > 0 {
			return left.value + (right.value-left.value)*s/rw, nil
		}
		return left.value, nil
	}

	if rw == 1 {
		// An exact bin on the right contributed its full weight to the
		// prefix sums; the trapezoid formula expects half, so compensate.
		rw = 2
	}
	var ratio float64
	if lw == rw {
		ratio = s / lw
	} else {
		discriminant := lw*lw - 2*s*(lw-rw)
		if discriminant < 0 {
			return 0, fmt.Errorf("%w: negative discriminant at q=%v", ErrCorruptedState, q)
		}
		ratio = (lw - math.Sqrt(discriminant)) / (lw - rw)
	}
	return ratio*(right.value-left.value) + left.value, nil
}

// String returns a human-readable summary of the histogram.
func (h *Histogram) String(shouldPrintBins bool) string {
	var sb strings.Builder
	sb.WriteString("### Approximate histogram summary:\n")
	sb.WriteString(fmt.Sprintf("   Max bins : %d\n", h.maxBins))
	sb.WriteString(fmt.Sprintf("   Bins     : %d\n", len(h.bins)))
	sb.WriteString(fmt.Sprintf("   Count    : %d\n", h.count))
	if !h.IsEmpty() {
		sb.WriteString(fmt.Sprintf("   Min      : %v\n", h.min))
		sb.WriteString(fmt.Sprintf("   Max      : %v\n", h.max))
	}
	sb.WriteString("### End histogram summary\n")

	if shouldPrintBins && len(h.bins) > 0 {
		sb.WriteString("Bins:\n")
		for i, b := range h.bins {
			sb.WriteString(fmt.Sprintf("%d: %v, %d\n", i, b.value, b.weight))
		}
	}
	return sb.String()
}

// insert places b into the sorted bin slice, after any existing bins of
// equal value, and patches the cost ledger in place.
func (h *Histogram) insert(b bin) {
	i := sort.Search(len(h.bins), func(j int) bool {
		return h.bins[j].value > b.value
	})
	h.bins = slices.Insert(h.bins, i, b)

	if i > 0 {
		h.costs = slices.Insert(h.costs, i-1, h.bins[i].value-h.bins[i-1].value)
		if i < len(h.costs) {
			h.costs[i] = h.bins[i+1].value - h.bins[i].value
		}
	} else if len(h.bins) > 1 {
		h.costs = slices.Insert(h.costs, 0, h.bins[1].value-h.bins[0].value)
	}
}

// mergeCheapest collapses the adjacent pair with the smallest value gap
// (leftmost on ties) into a single bin at their weighted mean, then
// patches the cost ledger in place.
func (h *Histogram) mergeCheapest() {
	i := 0
	for j := 1; j < len(h.costs); j++ {
		if h.costs[j] < h.costs[i] {
			i = j
		}
	}

	b0, b1 := h.bins[i], h.bins[i+1]
	weight := b0.weight + b1.weight
	h.bins[i] = bin{
		value:  (b0.value*float64(b0.weight) + b1.value*float64(b1.weight)) / float64(weight),
		weight: weight,
	}
	h.bins = slices.Delete(h.bins, i+1, i+2)

	switch {
	case i > 0 && i < len(h.costs)-1:
		h.costs[i-1] = h.bins[i].value - h.bins[i-1].value
		h.costs[i] = h.bins[i+1].value - h.bins[i].value
		h.costs = slices.Delete(h.costs, i+1, i+2)
	case i > 0:
		h.costs[i-1] = h.bins[i].value - h.bins[i-1].value
		h.costs = slices.Delete(h.costs, i, i+1)
	default:
		h.costs[0] = h.bins[1].value - h.bins[0].value
		h.costs = slices.Delete(h.costs, 1, 2)
	}
}
