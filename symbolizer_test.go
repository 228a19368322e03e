package profrec

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolizeMappingLookup(t *testing.T) {
	sym := testSymbolizer(t)

	frames := sym.SymbolizeIP(0x2345)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(0x1345), frames[0].Address)
	assert.Equal(t, "fake", frames[0].Function)
	assert.Equal(t, uint64(5), frames[0].Offset)
	assert.Contains(t, frames[0].Library, "libfoo")
}

func TestSymbolizeOutsideEveryMapping(t *testing.T) {
	sym := testSymbolizer(t)

	// 0x3000 is one past the end of the only mapping's half-open range.
	frames := sym.SymbolizeIP(0x3000)
	require.Len(t, frames, 1)
	assert.Equal(t, "unknown @ 0x3000", frames[0].Function)
	assert.Empty(t, frames[0].Library)
}

func TestMappingLookupBoundaries(t *testing.T) {
	table := NewMappingTable([]DynamicLibMapping{
		{Path: "/lib/a.so", Start: 0x1000, End: 0x2000},
		{Path: "/lib/b.so", Start: 0x4000, End: 0x5000},
	})

	require.Nil(t, table.Lookup(0xfff))
	require.NotNil(t, table.Lookup(0x1000)) // offset 0 is legal
	assert.Equal(t, "/lib/a.so", table.Lookup(0x1fff).Path)
	require.Nil(t, table.Lookup(0x2000))
	require.Nil(t, table.Lookup(0x3000))
	assert.Equal(t, "/lib/b.so", table.Lookup(0x4abc).Path)
	require.Nil(t, table.Lookup(0x5000))
}

// countingBackend wraps another backend and counts Symbolize calls.
type countingBackend struct {
	inner Backend
	calls atomic.Int64
	errs  atomic.Int64 // queries to fail before succeeding
}

func (c *countingBackend) Start() error    { return c.inner.Start() }
func (c *countingBackend) Shutdown() error { return c.inner.Shutdown() }

func (c *countingBackend) Symbolize(addr uint64, m *DynamicLibMapping) (SymbolisedStackFrame, error) {
	c.calls.Add(1)
	if c.errs.Load() > 0 {
		c.errs.Add(-1)
		return nil, errors.New("transient backend failure")
	}
	return c.inner.Symbolize(addr, m)
}

func newCountingSymbolizer(t *testing.T) (*Symbolizer, *countingBackend) {
	t.Helper()
	table := NewMappingTable([]DynamicLibMapping{{
		Path:  "/lib/libfoo.so",
		Slide: 0x1000,
		Start: 0x2000,
		End:   0x3000,
	}})
	backend := &countingBackend{inner: FakeBackend{}}
	sym := NewSymbolizer(table, backend, zerolog.Nop())
	require.NoError(t, sym.Start())
	return sym, backend
}

func TestCacheDeterministic(t *testing.T) {
	sym, backend := newCountingSymbolizer(t)

	first := sym.SymbolizeIP(0x2345)
	second := sym.SymbolizeIP(0x2345)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), backend.calls.Load(), "second lookup must come from the cache")
}

func TestCacheSingleFlight(t *testing.T) {
	sym, backend := newCountingSymbolizer(t)

	const n = 32
	var wg sync.WaitGroup
	results := make([]SymbolisedStackFrame, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sym.SymbolizeIP(0x2345)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), backend.calls.Load(),
		"concurrent lookups of one key must trigger at most one backend query")
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestCacheNotPoisonedByBackendError(t *testing.T) {
	sym, backend := newCountingSymbolizer(t)
	backend.errs.Store(1)

	frames := sym.SymbolizeIP(0x2345)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Function, "unknown @ 0x2345")

	// The failure is per-query: the next lookup retries the backend and
	// resolves for good.
	frames = sym.SymbolizeIP(0x2345)
	assert.Equal(t, "fake", frames[0].Function)
	assert.Equal(t, int64(2), backend.calls.Load())
}

func TestUnsetSymbolIsCached(t *testing.T) {
	table := NewMappingTable([]DynamicLibMapping{{
		Path:  "/lib/libbar.so",
		Start: 0x2000,
		End:   0x3000,
	}})
	backend := &countingBackend{inner: emptyBackend{}}
	sym := NewSymbolizer(table, backend, zerolog.Nop())
	require.NoError(t, sym.Start())

	frames := sym.SymbolizeIP(0x2100)
	require.Len(t, frames, 1)
	assert.Equal(t, UnknownFunctionName, frames[0].Function)
	assert.Equal(t, uint64(0), frames[0].Offset)
	assert.Contains(t, frames[0].Library, "libbar")

	sym.SymbolizeIP(0x2100)
	assert.Equal(t, int64(1), backend.calls.Load(), "a no-symbol answer is a resolution and caches")
}

// emptyBackend resolves every address to nothing, without error.
type emptyBackend struct{}

func (emptyBackend) Start() error    { return nil }
func (emptyBackend) Shutdown() error { return nil }
func (emptyBackend) Symbolize(uint64, *DynamicLibMapping) (SymbolisedStackFrame, error) {
	return nil, nil
}
