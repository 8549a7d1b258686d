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

// Package perftimer measures the duration of code regions and reports
// aggregate statistics (mean, deviation, quantiles) with low overhead.
//
// A Timer owns one accumulator per measured quantity. The write path is a
// single clock read on each side of the measured region plus one
// accumulator call; reading happens only when Report is called.
package perftimer

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/perf-timer/perf-timer-go/observer"
)

// Timer measures a block of code and logs aggregate statistics when
// Report is called.
//
//	timer := perftimer.New("my code")
//	...
//	stop := timer.Start()
//	// code under test
//	stop()
//	...
//	timer.Report()
//
// A Timer is safe for concurrent measurement only when its accumulator is;
// use NewShared for timers fed by multiple goroutines.
type Timer struct {
	name       string
	now        func() time.Time
	logFn      func(string)
	acc        observer.Accumulator
	reportOnce sync.Once
}

type config struct {
	now   func() time.Time
	logFn func(string)
	acc   observer.Accumulator
}

// Option configures a Timer at construction.
type Option func(*config)

// WithClock overrides the time source, e.g. for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithLogFunc overrides where the report line is written.
func WithLogFunc(logFn func(string)) Option {
	return func(c *config) { c.logFn = logFn }
}

// WithAccumulator selects the statistics tracked by the timer. The default
// is a StdDevAccumulator.
func WithAccumulator(acc observer.Accumulator) Option {
	return func(c *config) { c.acc = acc }
}

// New creates a Timer and registers it for ReportAll.
func New(name string, opts ...Option) *Timer {
	cfg := config{
		now:   time.Now,
		logFn: func(s string) { fmt.Println(s) },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.acc == nil {
		cfg.acc = observer.NewStdDev()
	}
	t := &Timer{
		name:  name,
		now:   cfg.now,
		logFn: cfg.logFn,
		acc:   cfg.acc,
	}
	register(t)
	return t
}

// NewShared creates a Timer whose accumulator is guarded by a mutex, for
// measuring regions entered concurrently from several goroutines.
func NewShared(name string, opts ...Option) *Timer {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.acc == nil {
		cfg.acc = observer.NewStdDev()
	}
	opts = append(opts, WithAccumulator(observer.Synchronized(cfg.acc)))
	return New(name, opts...)
}

// Name returns the name the timer was created with.
func (t *Timer) Name() string {
	return t.name
}

// Count returns the number of measurements observed so far.
func (t *Timer) Count() uint64 {
	return t.acc.Count()
}

// Start begins one measurement and returns the function that ends it.
// Measurements may nest or overlap; each stop function records the span
// since its own Start.
func (t *Timer) Start() (stop func()) {
	start := t.now()
	return func() {
		t.acc.Observe(t.now().Sub(start))
	}
}

// Measure runs fn and records its duration.
func (t *Timer) Measure(fn func()) {
	defer t.Start()()
	fn()
}

// Report logs one summary line, at most once per Timer. Nothing is logged
// when no measurements were observed.
func (t *Timer) Report() {
	t.reportOnce.Do(func() {
		if summary := t.acc.Summary(); summary != "" {
			t.logFn(fmt.Sprintf("timer %q: %s", t.name, summary))
		}
	})
}

var (
	registryMu sync.Mutex
	registry   = make(map[uint64][]*Timer)
)

// fingerprint is the registry key for a timer name.
func fingerprint(name string) uint64 {
	return xxhash.Sum64String(name)
}

func register(t *Timer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	fp := fingerprint(t.name)
	registry[fp] = append(registry[fp], t)
}

// Lookup returns the most recently created timer with the given name, or
// nil if none exists.
func Lookup(name string) *Timer {
	registryMu.Lock()
	defer registryMu.Unlock()
	timers := registry[fingerprint(name)]
	for i := len(timers) - 1; i >= 0; i-- {
		if timers[i].name == name {
			return timers[i]
		}
	}
	return nil
}

// ReportAll reports every registered timer that has not reported yet.
// Call it once at process shutdown.
func ReportAll() {
	registryMu.Lock()
	timers := make([]*Timer, 0, len(registry))
	for _, ts := range registry {
		timers = append(timers, ts...)
	}
	registryMu.Unlock()

	for _, t := range timers {
		t.Report()
	}
}

// MeasureOverhead estimates the per-measurement cost of a timer produced
// by factory, taking the best of several repetitions.
func MeasureOverhead(factory func() *Timer) time.Duration {
	const (
		iterations  = 10000
		repetitions = 5
	)
	t := factory()
	best := time.Duration(1<<63 - 1)
	for r := 0; r < repetitions; r++ {
		start := time.Now()
		for i := 0; i < iterations; i++ {
			t.Start()()
		}
		if elapsed := time.Since(start); elapsed < best {
			best = elapsed
		}
	}
	return best / iterations
}
