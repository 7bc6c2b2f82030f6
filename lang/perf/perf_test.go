// Copyright 2025 The go-aql Authors
// This file is part of go-aql.
//
// go-aql is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-aql is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-aql. If not, see <http://www.gnu.org/licenses/>.

package perf

import (
	"strings"
	"testing"
	"time"
)

func TestTimeStatsAccumulate(t *testing.T) {
	m := New(Development)
	m.Observe("dispatch", 10*time.Microsecond)
	m.Observe("dispatch", 30*time.Microsecond)
	m.Observe("dispatch", 20*time.Microsecond)

	ts := m.Stats("dispatch")
	if ts == nil {
		t.Fatal("missing series")
	}
	if ts.Count != 3 {
		t.Fatalf("count = %d", ts.Count)
	}
	if ts.MinNs != 10000 || ts.MaxNs != 30000 {
		t.Fatalf("min/max = %d/%d", ts.MinNs, ts.MaxNs)
	}
	if ts.TotalNs != 60000 || ts.LastNs != 20000 {
		t.Fatalf("total/last = %d/%d", ts.TotalNs, ts.LastNs)
	}
}

func TestProductionConfigIsZeroCost(t *testing.T) {
	m := New(Production)
	if m.Enabled() {
		t.Fatal("production preset must disable statistic groups")
	}
	m.Observe("x", time.Second)
	if m.Stats("x") != nil {
		t.Fatal("disabled monitor must not record")
	}
	ran := false
	m.Time("y", func() { ran = true })
	if !ran {
		t.Fatal("Time must still run the body")
	}
}

func TestReportContainsCounters(t *testing.T) {
	m := New(Development)
	m.TotalRequests = 5
	m.JITCompilations = 2
	m.Observe("gc", time.Millisecond)
	r := m.Report("test")
	if !strings.Contains(r, "[perf:test]") || !strings.Contains(r, "jit_compiles=2") {
		t.Fatalf("report missing fields:\n%s", r)
	}
	if !strings.Contains(r, "gc") {
		t.Fatal("report missing time series")
	}
	m.Reset()
	if m.TotalRequests != 0 || m.Stats("gc") != nil {
		t.Fatal("reset incomplete")
	}
}
