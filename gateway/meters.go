// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"sync"
	"time"
)

// MeterStore tracks daily spend/call counters and per-run call/failure
// counters. It is the only mutable state shared across concurrent gateway
// invocations; everything else in this package is a function of its inputs
// plus a snapshot from here.
type MeterStore interface {
	// Snapshot returns the current day and run counters. Implementations
	// roll the day bucket over before reading if the UTC date changed.
	Snapshot(ctx context.Context, runID string) MeterSnapshot

	// RecordSuccess bumps the run call count, the daily call count, and
	// daily spend by costUSD.
	RecordSuccess(ctx context.Context, runID string, costUSD float64)

	// RecordFailure bumps only the run failure count. Failures are never
	// billed and never count against daily call volume.
	RecordFailure(ctx context.Context, runID string)
}

// utcDay is the day key: UTC calendar date.
func utcDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

type runCounters struct {
	calls    int
	failures int
}

// MemoryMeters is the single-process MeterStore. A mutex owns all state;
// the unsynchronized-structure failure mode (lost daily-counter updates
// under concurrency) is not acceptable here.
type MemoryMeters struct {
	mu sync.Mutex

	day      string
	usdSpent float64
	dayCalls int

	runs map[string]*runCounters

	// now is swappable so day rollover is testable.
	now func() time.Time
}

// NewMemoryMeters creates an empty in-memory meter store.
func NewMemoryMeters() *MemoryMeters {
	return &MemoryMeters{
		runs: make(map[string]*runCounters),
		now:  time.Now,
	}
}

// rollover zeroes the daily counters when the UTC date has advanced.
// Run counters are untouched: runs are short-lived and their caps are not
// day-scoped. Callers must hold mu.
func (m *MemoryMeters) rollover() {
	today := utcDay(m.now())
	if m.day != today {
		m.day = today
		m.usdSpent = 0
		m.dayCalls = 0
	}
}

func (m *MemoryMeters) run(runID string) *runCounters {
	rc, ok := m.runs[runID]
	if !ok {
		rc = &runCounters{}
		m.runs[runID] = rc
	}
	return rc
}

// Snapshot implements MeterStore.
func (m *MemoryMeters) Snapshot(_ context.Context, runID string) MeterSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	snap := MeterSnapshot{
		Day:      m.day,
		USDSpent: m.usdSpent,
		DayCalls: m.dayCalls,
	}
	if rc, ok := m.runs[runID]; ok {
		snap.RunCalls = rc.calls
		snap.RunFailures = rc.failures
	}
	return snap
}

// RecordSuccess implements MeterStore.
func (m *MemoryMeters) RecordSuccess(_ context.Context, runID string, costUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	m.dayCalls++
	m.usdSpent += costUSD
	m.run(runID).calls++
}

// RecordFailure implements MeterStore.
func (m *MemoryMeters) RecordFailure(_ context.Context, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	m.run(runID).failures++
}

// ForgetRun drops the counters for a finished run.
func (m *MemoryMeters) ForgetRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
}

var _ MeterStore = (*MemoryMeters)(nil)
