package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Enabled(t *testing.T) {
	assert.False(t, Options{}.Enabled())
	assert.True(t, Options{Heap: "heap.out"}.Enabled())
}

func TestProfiler_WritesRequestedProfiles(t *testing.T) {
	// Given all three profiles requested
	dir := t.TempDir()
	opts := Options{
		CPU:   filepath.Join(dir, "cpu.out"),
		Heap:  filepath.Join(dir, "heap.out"),
		Trace: filepath.Join(dir, "trace.out"),
	}

	// When profiling some work
	p, err := Start(opts)
	require.NoError(t, err)
	sum := 0
	for i := range 100000 {
		sum += i
	}
	require.Positive(t, sum)
	require.NoError(t, p.Stop())

	// Then every file exists and is non-empty
	for _, path := range []string{opts.CPU, opts.Heap, opts.Trace} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Positive(t, info.Size(), path)
	}

	// And stopping again is a no-op
	require.NoError(t, p.Stop())
}

func TestStart_InvalidPath(t *testing.T) {
	_, err := Start(Options{CPU: filepath.Join(t.TempDir(), "missing", "cpu.out")})
	require.Error(t, err)
}

func TestStart_TraceFailureStopsCPU(t *testing.T) {
	dir := t.TempDir()
	_, err := Start(Options{
		CPU:   filepath.Join(dir, "cpu.out"),
		Trace: filepath.Join(dir, "missing", "trace.out"),
	})
	require.Error(t, err)

	// CPU profiling was stopped, so it can start again.
	p, err := Start(Options{CPU: filepath.Join(dir, "cpu2.out")})
	require.NoError(t, err)
	require.NoError(t, p.Stop())
}
