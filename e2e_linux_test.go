//go:build linux && cgo

package profrec

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireSampling(t *testing.T) {
	t.Helper()
	if err := InstallHandler(); err != nil {
		t.Skipf("sampling unavailable: %v", err)
	}
}

// startLockedThread runs body on a dedicated OS thread and reports its TID.
// The thread lives until body returns.
func startLockedThread(body func(tid chan<- int)) <-chan int {
	tid := make(chan int, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		body(tid)
	}()
	return tid
}

// blockOnThread parks the calling thread in a nanosleep loop until stop is
// set, without yielding the OS thread the way a channel wait would.
func blockOnThread(stop *atomic.Bool) {
	ts := unix.Timespec{Nsec: int64(5 * time.Millisecond)}
	for !stop.Load() {
		unix.Nanosleep(&ts, nil)
	}
}

func TestWithThreadPausedSelf(t *testing.T) {
	requireSampling(t)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	err := WithThreadPaused(unix.Gettid(), 0, func(*ThreadContext) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyMe)
}

func TestWithThreadPausedGone(t *testing.T) {
	requireSampling(t)

	// Capture the TID of a thread that terminates right away: locking
	// without unlocking makes the thread exit with its goroutine.
	tidCh := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		tidCh <- unix.Gettid()
		close(done)
	}()
	tid := <-tidCh
	<-done
	time.Sleep(50 * time.Millisecond)

	err := WithThreadPaused(tid, 0, func(*ThreadContext) error { return nil })
	assert.ErrorIs(t, err, ErrThreadGone)
}

func TestWithThreadPausedCapturesContext(t *testing.T) {
	requireSampling(t)

	var stop atomic.Bool
	defer stop.Store(true)
	tid := <-startLockedThread(func(tidCh chan<- int) {
		tidCh <- unix.Gettid()
		blockOnThread(&stop)
	})
	time.Sleep(20 * time.Millisecond)

	var ctx ThreadContext
	err := WithThreadPaused(tid, 0, func(tc *ThreadContext) error {
		ctx = *tc
		return nil
	})
	require.NoError(t, err)
	assert.NotZero(t, ctx.PC)
	assert.NotZero(t, ctx.SP)
	assert.Equal(t, tid, ctx.TID)
}

// At most one stop may be in flight process-wide: the stop mutex covers the
// whole signalled-to-released window, so callbacks can never overlap.
func TestSingleStopInFlight(t *testing.T) {
	requireSampling(t)

	var stop atomic.Bool
	defer stop.Store(true)
	var tids []int
	for i := 0; i < 2; i++ {
		tids = append(tids, <-startLockedThread(func(tidCh chan<- int) {
			tidCh <- unix.Gettid()
			blockOnThread(&stop)
		}))
	}
	time.Sleep(20 * time.Millisecond)

	var inFlight, maxInFlight atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				WithThreadPaused(tid, 0, func(*ThreadContext) error {
					n := inFlight.Add(1)
					for {
						m := maxInFlight.Load()
						if n <= m || maxInFlight.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					inFlight.Add(-1)
					return nil
				})
			}
		}(tids[i%2])
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load(), "stops must serialize")
}

// The distinctively named chain the liveness test expects to see in a
// symbolized sample, caller to callee: QUUUX QUUX QUX BUZ BAR FOO.

//go:noinline
func FOO(stop *atomic.Bool, tidCh chan<- int) {
	tidCh <- unix.Gettid()
	blockOnThread(stop)
}

//go:noinline
func BAR(stop *atomic.Bool, tidCh chan<- int) { FOO(stop, tidCh) }

//go:noinline
func BUZ(stop *atomic.Bool, tidCh chan<- int) { BAR(stop, tidCh) }

//go:noinline
func QUX(stop *atomic.Bool, tidCh chan<- int) { BUZ(stop, tidCh) }

//go:noinline
func QUUX(stop *atomic.Bool, tidCh chan<- int) { QUX(stop, tidCh) }

//go:noinline
func QUUUX(stop *atomic.Bool, tidCh chan<- int) { QUUX(stop, tidCh) }

func TestEndToEndLiveness(t *testing.T) {
	requireSampling(t)

	var stop atomic.Bool
	defer stop.Store(true)
	tid := <-startLockedThread(func(tidCh chan<- int) {
		QUUUX(&stop, tidCh)
	})
	time.Sleep(50 * time.Millisecond) // let the worker settle into its sleep loop

	buf := make([]StackFrame, DefaultMaxDepth)
	n := 0
	err := WithThreadPaused(tid, 0, func(tc *ThreadContext) error {
		n, _ = WalkStack(tc, buf)
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, n, 6, "the walk must reach through the whole chain")

	table, err := SnapshotMappings()
	require.NoError(t, err)
	sym := NewSymbolizer(table, &NativeBackend{Logger: zerolog.Nop()}, zerolog.Nop())
	require.NoError(t, sym.Start())
	defer sym.Close()

	frames := buf[:n]
	var names []string
	for i := range frames {
		ip := fixedIP(frames, i, runtime.GOARCH)
		for _, fr := range sym.SymbolizeIP(ip) {
			names = append(names, fr.Function)
		}
	}

	// The chain must appear as a contiguous run, innermost first, with
	// FOO's mangled name verbatim.
	want := []string{"FOO", "BAR", "BUZ", "QUX", "QUUX", "QUUUX"}
	start := -1
	for i, name := range names {
		if strings.HasSuffix(name, "profrec.FOO") {
			start = i
			break
		}
	}
	require.GreaterOrEqual(t, start, 0, "FOO not found in %v", names)
	require.LessOrEqual(t, start+len(want), len(names))
	for i, fn := range want {
		assert.True(t, strings.HasSuffix(names[start+i], "profrec."+fn),
			"frame %d: want %s, got %s (all: %v)", start+i, fn, names[start+i], names)
	}
}

func TestSessionSurvivesThreadChurn(t *testing.T) {
	requireSampling(t)

	churnCtx, stopChurn := context.WithCancel(context.Background())
	defer stopChurn()
	var churnWG sync.WaitGroup
	churnWG.Add(1)
	go func() {
		defer churnWG.Done()
		for churnCtx.Err() == nil {
			done := make(chan struct{})
			go func() {
				// Locking without unlocking tears the thread down
				// with the goroutine: constant thread churn.
				runtime.LockOSThread()
				time.Sleep(time.Millisecond)
				close(done)
			}()
			<-done
		}
	}()

	var out bytes.Buffer
	stats, err := Record(context.Background(), SessionConfig{
		Samples:  5,
		Interval: 10 * time.Millisecond,
		Format:   FormatCollapsed,
		Backend:  FakeBackend{},
		Logger:   zerolog.Nop(),
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Rounds)

	stopChurn()
	churnWG.Wait()

	// No thread may be left suspended: the registry still answers and
	// fresh threads still run to completion.
	_, err = EnumerateThreads()
	require.NoError(t, err)
}

func TestRecordCancellationBetweenRounds(t *testing.T) {
	requireSampling(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	var out bytes.Buffer
	stats, err := Record(ctx, SessionConfig{
		Samples:  1000,
		Interval: 10 * time.Millisecond,
		Format:   FormatCollapsed,
		Backend:  FakeBackend{},
		Logger:   zerolog.Nop(),
	}, &out)
	require.NoError(t, err, "cancellation must finalise cleanly")
	assert.Less(t, stats.Rounds, 1000)
	assert.Greater(t, stats.SamplesRecorded, 0)
}
