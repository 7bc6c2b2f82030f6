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

package aql

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aql-lang/go-aql/lang/vm"
)

func interpConfig() Config {
	cfg := DefaultConfig()
	cfg.JIT.Enabled = false
	return cfg
}

func TestEngineRunSource(t *testing.T) {
	e := New(interpConfig())
	defer e.Close()

	results, err := e.RunSource("t", `
.fn main 4 0
LOADI 0 7
LOADI 1 3
DIV 2 0 1
RETONE 2
.end
`)
	require.NoError(t, err)
	require.Len(t, results, 1)
	f, ok := results[0].AsNumber()
	require.True(t, ok)
	require.InDelta(t, 7.0/3.0, f, 1e-15)
}

func TestEngineArguments(t *testing.T) {
	e := New(interpConfig())
	defer e.Close()

	results, err := e.RunSource("t", `
.fn add 4 2
ADD 2 0 1
RETONE 2
.end
`, 19, 23)
	require.NoError(t, err)
	n, _ := results[0].AsInteger()
	require.EqualValues(t, 42, n)
}

func TestEngineErrorSurface(t *testing.T) {
	e := New(interpConfig())
	defer e.Close()

	_, err := e.RunSource("t", `
.fn boom 4 0
LOADI 0 1
LOADI 1 0
MOD 2 0 1
RETONE 2
.end
`)
	require.ErrorIs(t, err, ErrExecutionFailed)
	require.Contains(t, err.Error(), "n%0")
}

func TestEngineGlobalsAcrossRuns(t *testing.T) {
	e := New(interpConfig())
	defer e.Close()
	l := e.State()

	calls := 0
	l.Register("tick", func(l *vm.State) int {
		calls++
		l.PushInteger(int64(calls))
		return 1
	})
	src := `
.fn main 4 0
.const str "tick"
.upval _ENV instack 0
GETTABUP 0 0 k0
CALL 0 1 2
RETONE 0
.end
`
	for want := int64(1); want <= 3; want++ {
		results, err := e.RunSource("t", src)
		require.NoError(t, err)
		n, _ := results[0].AsInteger()
		require.Equal(t, want, n)
	}
}

func TestEngineInferenceRunsAtAssembly(t *testing.T) {
	e := New(interpConfig())
	defer e.Close()

	p, err := e.Assemble("t", `
.fn main 4 0
LOADI 0 1
ADDI 0 0 1
RETONE 0
.end
`)
	require.NoError(t, err)
	require.Greater(t, e.Inference().Stability(p), 85.0)
}

func TestEngineJITCompilesHotPrototype(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JIT.Hotspot.MinCalls = 4
	cfg.JIT.Hotspot.Threshold = 1
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skip("no JIT backend for this architecture")
	}
	e := New(cfg)
	defer e.Close()

	p, err := e.Assemble("t", `
.fn hot 4 0
LOADI 0 21
MULI 1 0 2
RETONE 1
.end
`)
	require.NoError(t, err)

	// Feed the profile past the gates, then ask the dispatcher's own
	// question: Lookup must compile and cache an entry point.
	for i := 0; i < 10; i++ {
		e.JIT().NoteCall(p, time.Millisecond)
	}
	fn := e.JIT().Lookup(p)
	if fn == nil {
		t.Fatalf("hot prototype did not compile: %v", e.JIT().LastError())
	}
	stats := e.JIT().Stats()
	require.EqualValues(t, 1, stats.Compilations)

	// Second lookup is a cache hit.
	require.NotNil(t, e.JIT().Lookup(p))
	require.Greater(t, e.JIT().Stats().CacheHits, uint64(0))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	require.Equal(t, 200, cfg.GC.Pause)
	require.Equal(t, 100, cfg.GC.StepMul)
	require.NotZero(t, cfg.JIT.CompileTimeout)
	require.False(t, cfg.JIT.Enabled) // zero value keeps the JIT off
}
