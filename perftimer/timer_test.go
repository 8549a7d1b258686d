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

package perftimer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/perf-timer/perf-timer-go/observer"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestTimer_StartStop(t *testing.T) {
	clock := &fakeClock{}
	var lines []string
	timer := New("db query",
		WithClock(clock.Now),
		WithLogFunc(func(s string) { lines = append(lines, s) }),
		WithAccumulator(observer.NewAverage()),
	)

	stop := timer.Start()
	clock.Advance(15 * time.Millisecond)
	stop()

	assert.Equal(t, uint64(1), timer.Count())

	timer.Report()
	assert.Equal(t, []string{`timer "db query": 15.0 ms`}, lines)
}

func TestTimer_ReportOnce(t *testing.T) {
	clock := &fakeClock{}
	var lines []string
	timer := New("render",
		WithClock(clock.Now),
		WithLogFunc(func(s string) { lines = append(lines, s) }),
	)

	stop := timer.Start()
	clock.Advance(time.Millisecond)
	stop()

	timer.Report()
	timer.Report()
	assert.Len(t, lines, 1)
}

func TestTimer_EmptyReportsNothing(t *testing.T) {
	var lines []string
	timer := New("never used",
		WithLogFunc(func(s string) { lines = append(lines, s) }),
	)

	timer.Report()
	assert.Empty(t, lines)
}

func TestTimer_Measure(t *testing.T) {
	clock := &fakeClock{}
	timer := New("measured fn", WithClock(clock.Now), WithLogFunc(func(string) {}))

	ran := false
	timer.Measure(func() {
		clock.Advance(3 * time.Millisecond)
		ran = true
	})

	assert.True(t, ran)
	assert.Equal(t, uint64(1), timer.Count())
}

func TestTimer_OverlappingMeasurements(t *testing.T) {
	clock := &fakeClock{}
	acc := observer.NewAverage()
	timer := New("overlapping",
		WithClock(clock.Now),
		WithLogFunc(func(string) {}),
		WithAccumulator(acc),
	)

	stopOuter := timer.Start()
	clock.Advance(time.Millisecond)
	stopInner := timer.Start()
	clock.Advance(time.Millisecond)
	stopInner()
	clock.Advance(time.Millisecond)
	stopOuter()

	// inner span 1ms, outer span 3ms
	assert.Equal(t, uint64(2), timer.Count())
	assert.Contains(t, acc.Summary(), "avg 2.00 ms")
	assert.Contains(t, acc.Summary(), "max 3.00 ms")
}

func TestTimer_WithHistogramAccumulator(t *testing.T) {
	clock := &fakeClock{}
	acc, err := observer.NewHistogram([]float64{0.5, 0.9}, 32)
	assert.NoError(t, err)

	var lines []string
	timer := New("quantile timer",
		WithClock(clock.Now),
		WithLogFunc(func(s string) { lines = append(lines, s) }),
		WithAccumulator(acc),
	)

	for i := 1; i <= 10; i++ {
		stop := timer.Start()
		clock.Advance(time.Duration(i) * time.Millisecond)
		stop()
	}

	timer.Report()
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], `timer "quantile timer": avg 5.50ms`)
	assert.Contains(t, lines[0], "50% ≤ ")
	assert.Contains(t, lines[0], "90% ≤ ")
	assert.Contains(t, lines[0], "in 10 runs")
}

func TestNewShared(t *testing.T) {
	const (
		goroutines = 8
		perWorker  = 100
	)

	timer := NewShared("shared section", WithLogFunc(func(string) {}))

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				stop := timer.Start()
				stop()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*perWorker), timer.Count())
}

func TestRegistry(t *testing.T) {
	t.Run("Lookup Finds Most Recent", func(t *testing.T) {
		first := New("registry lookup", WithLogFunc(func(string) {}))
		second := New("registry lookup", WithLogFunc(func(string) {}))

		assert.Same(t, second, Lookup("registry lookup"))
		assert.NotSame(t, first, Lookup("registry lookup"))
	})

	t.Run("Lookup Unknown Name", func(t *testing.T) {
		assert.Nil(t, Lookup("no such timer"))
	})

	t.Run("ReportAll Flushes Unreported Timers", func(t *testing.T) {
		clock := &fakeClock{}
		var lines []string
		timer := New("flushed at exit",
			WithClock(clock.Now),
			WithLogFunc(func(s string) { lines = append(lines, s) }),
		)
		stop := timer.Start()
		clock.Advance(2 * time.Millisecond)
		stop()

		ReportAll()
		assert.Len(t, lines, 1)
		assert.Contains(t, lines[0], `timer "flushed at exit"`)

		// already reported; a second flush stays quiet
		ReportAll()
		assert.Len(t, lines, 1)
	})
}

func TestMeasureOverhead(t *testing.T) {
	overhead := MeasureOverhead(func() *Timer {
		return New("overhead probe", WithLogFunc(func(string) {}))
	})
	assert.GreaterOrEqual(t, overhead, time.Duration(0))

	probe := Lookup("overhead probe")
	assert.NotNil(t, probe)
	assert.Equal(t, uint64(50000), probe.Count())
}
