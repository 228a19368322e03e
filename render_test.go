package profrec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSymbolizer builds a symbolizer over one fake-backed library mapped at
// 0x2000..0x3000 with slide 0x1000.
func testSymbolizer(t *testing.T) *Symbolizer {
	t.Helper()
	table := NewMappingTable([]DynamicLibMapping{{
		Path:  "/lib/libfoo.so",
		Arch:  "amd64",
		Slide: 0x1000,
		Start: 0x2000,
		End:   0x3000,
	}})
	sym := NewSymbolizer(table, FakeBackend{}, zerolog.Nop())
	require.NoError(t, sym.Start())
	return sym
}

func TestCollapsedTimestamp(t *testing.T) {
	tests := []struct {
		sec  int64
		nsec uint32
		want string
	}{
		{sec: 4, nsec: 5, want: "4000000005"},
		{sec: 0, nsec: 5, want: "5"},
		{sec: 4, nsec: 987_654_321, want: "4987654321"},
		{sec: 0, nsec: 0, want: "0"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, collapsedTimestamp(tt.sec, tt.nsec))
	}
}

func TestCollapsedRenderSample(t *testing.T) {
	sym := testSymbolizer(t)
	r := &collapsedRenderer{}
	cfg := &RenderConfig{Arch: "amd64"}

	sample := &Sample{
		Pid:        1,
		Tid:        2,
		ThreadName: "worker",
		Sec:        4,
		Nsec:       5,
		// Innermost first; the outer frame is a return address and gets
		// the fixup before symbolization.
		Frames: []StackFrame{{IP: 0x2345, SP: 0x100}, {IP: 0x2800, SP: 0x120}},
	}
	out, err := r.ConsumeSingleSample(sample, cfg, sym)
	require.NoError(t, err)
	assert.Equal(t, "worker;fake;fake 4000000005\n", string(out))

	fin, err := r.Finalise(cfg, sym)
	require.NoError(t, err)
	assert.Empty(t, fin)
}

func TestCollapsedEmptyStackKeepsThreadRoot(t *testing.T) {
	sym := testSymbolizer(t)
	r := &collapsedRenderer{}

	out, err := r.ConsumeSingleSample(&Sample{ThreadName: "idle", Nsec: 7}, &RenderConfig{}, sym)
	require.NoError(t, err)
	assert.Equal(t, "idle 7\n", string(out))
}

func TestPerfScriptTimestamp(t *testing.T) {
	assert.Equal(t, "4.000000005", perfTimestamp(4, 5))
	assert.Equal(t, "0.5", perfTimestamp(0, 5))
	assert.Equal(t, "4.987654321", perfTimestamp(4, 987_654_321))
}

func TestPerfScriptRenderSample(t *testing.T) {
	sym := testSymbolizer(t)
	r := &perfScriptRenderer{}
	cfg := &RenderConfig{Arch: "amd64"}

	sample := &Sample{
		Pid:        41,
		Tid:        42,
		ThreadName: "worker",
		Sec:        4,
		Nsec:       5,
		Frames:     []StackFrame{{IP: 0x2345, SP: 0x100}},
	}
	out, err := r.ConsumeSingleSample(sample, cfg, sym)
	require.NoError(t, err)

	lines := strings.Split(string(out), "\n")
	require.Len(t, lines, 4) // header, frame, blank, trailing empty
	assert.Equal(t, "worker 41/42 4.000000005 [001] cycles:", lines[0])
	assert.Equal(t, "\t2345 fake+0x5 (libfoo.so)", lines[1])
	assert.Equal(t, "", lines[2])

	fin, err := r.Finalise(cfg, sym)
	require.NoError(t, err)
	assert.Empty(t, fin)
}

func TestPerfScriptUnknownAddress(t *testing.T) {
	sym := testSymbolizer(t)
	r := &perfScriptRenderer{}

	sample := &Sample{
		ThreadName: "worker",
		Frames:     []StackFrame{{IP: 0x9999, SP: 0x100}},
	}
	out, err := r.ConsumeSingleSample(sample, &RenderConfig{Arch: "amd64"}, sym)
	require.NoError(t, err)
	assert.Contains(t, string(out), "unknown @ 0x9999")
	assert.Contains(t, string(out), "[unknown]")
}

func TestRenderSpoolPipeline(t *testing.T) {
	dir := t.TempDir()
	spool, err := NewSpoolWriter(dir)
	require.NoError(t, err)

	samples := []*Sample{
		{Pid: 1, Tid: 10, ThreadName: "a", Sec: 1, Nsec: 0,
			Frames: []StackFrame{{IP: 0x2345, SP: 0x100}}},
		{Pid: 1, Tid: 11, ThreadName: "b", Sec: 1, Nsec: 500},
	}
	for _, s := range samples {
		require.NoError(t, spool.WriteSample(s))
	}
	require.NoError(t, spool.Close())

	sym := testSymbolizer(t)
	r, err := NewRenderer(FormatCollapsed)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, RenderSpool(spool.Path(), r, &RenderConfig{Arch: "amd64"}, sym, &out))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "a;fake 1000000000", lines[0])
	assert.Equal(t, "b 1000000500", lines[1])
}
