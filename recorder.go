//  Copyright 2024 Ordo One AB
//
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

package profrec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// SessionConfig configures one sampling session.
type SessionConfig struct {
	// Samples is the number of sampling rounds.
	Samples int

	// Interval is the cadence between round starts. Rounds are paced by
	// absolute deadlines from the session start, so a slow round does
	// not push every later round.
	Interval time.Duration

	// Format selects the renderer for the post-pass.
	Format Format

	// Backend symbolizes during the post-pass; the native in-process
	// backend when nil.
	Backend Backend

	// MaxDepth caps frames per sample; DefaultMaxDepth when zero.
	MaxDepth int

	// StopTimeout bounds each per-thread stop; DefaultStopTimeout when
	// zero.
	StopTimeout time.Duration

	// SpoolDir is where the intermediate spool file lives; the system
	// temp directory when empty.
	SpoolDir string

	Logger zerolog.Logger
}

// SessionStats summarizes a completed session.
type SessionStats struct {
	Rounds          int
	SamplesRecorded int
	ThreadFailures  int
	FallingBehind   int
	SpoolBytes      int64
}

// Record runs a full sampling session: N rounds of stop-walk-resume over
// every live thread, raw samples spooled to disk, then a post-pass that
// streams the spool through the symbolizer and renderer into out.
//
// Cancelling ctx between rounds ends the session cleanly; whatever was
// recorded is still rendered. A cancellation that lands during a stop lets
// the stop finish first, so no thread is left suspended.
func Record(ctx context.Context, cfg SessionConfig, out io.Writer) (SessionStats, error) {
	var stats SessionStats

	if cfg.Samples <= 0 {
		return stats, fmt.Errorf("session needs a positive sample count, got %d", cfg.Samples)
	}
	if cfg.Interval <= 0 {
		return stats, fmt.Errorf("session needs a positive interval, got %v", cfg.Interval)
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}

	if err := InstallHandler(); err != nil {
		return stats, err
	}

	table, err := SnapshotMappings()
	if err != nil {
		return stats, err
	}

	backend := cfg.Backend
	if backend == nil {
		backend = &NativeBackend{Inlines: true, Logger: cfg.Logger}
	}
	sym := NewSymbolizer(table, backend, cfg.Logger)
	if err := sym.Start(); err != nil {
		return stats, fmt.Errorf("starting symbolizer backend: %w", err)
	}
	defer sym.Close()

	logger := cfg.Logger.With().Str("component", "recorder").Logger()
	logProcessInfo(logger)

	spool, err := NewSpoolWriter(cfg.SpoolDir)
	if err != nil {
		return stats, err
	}
	spoolPath := spool.Path()

	if err := sampleLoop(ctx, cfg, spool, &stats, logger); err != nil {
		// Spool I/O errors are fatal for the session; the partial spool
		// is retained for debugging, not consumed.
		spool.Close()
		return stats, err
	}
	if err := spool.Close(); err != nil {
		return stats, err
	}
	if fi, err := os.Stat(spoolPath); err == nil {
		stats.SpoolBytes = fi.Size()
	}

	renderer, err := NewRenderer(cfg.Format)
	if err != nil {
		os.Remove(spoolPath)
		return stats, err
	}
	if err := RenderSpool(spoolPath, renderer, &RenderConfig{}, sym, out); err != nil {
		os.Remove(spoolPath)
		return stats, err
	}
	os.Remove(spoolPath)

	logger.Info().
		Int("rounds", stats.Rounds).
		Int("samples", stats.SamplesRecorded).
		Int("thread_failures", stats.ThreadFailures).
		Int("falling_behind", stats.FallingBehind).
		Int64("spool_bytes", stats.SpoolBytes).
		Msg("sampling session complete")
	return stats, nil
}

func sampleLoop(ctx context.Context, cfg SessionConfig, spool *SpoolWriter, stats *SessionStats, logger zerolog.Logger) error {
	pid := uint32(os.Getpid())
	start := time.Now() // monotonic; paces the absolute deadlines
	frameBuf := make([]StackFrame, cfg.MaxDepth)

	for i := 0; i < cfg.Samples; i++ {
		if ctx.Err() != nil {
			logger.Info().Int("completed_rounds", stats.Rounds).Msg("session cancelled between rounds")
			return nil
		}

		wall := time.Now()
		sec := wall.Unix()
		nsec := uint32(wall.Nanosecond())

		tids, err := EnumerateThreads()
		if err != nil {
			return err
		}

		for _, tid := range tids {
			sample := Sample{
				Pid:        pid,
				Tid:        uint64(tid),
				ThreadName: threadName(tid),
				Sec:        sec,
				Nsec:       nsec,
			}

			n := 0
			truncated := false
			err := WithThreadPaused(tid, cfg.StopTimeout, func(tc *ThreadContext) error {
				n, truncated = WalkStack(tc, frameBuf)
				return nil
			})
			switch {
			case err == nil:
				sample.Frames = append([]StackFrame(nil), frameBuf[:n]...)
				sample.Truncated = truncated
			case errors.Is(err, ErrThreadGone),
				errors.Is(err, ErrStuckThread),
				errors.Is(err, ErrAlreadyMe):
				// Per-thread failure: the sample is still emitted,
				// with an empty stack.
				stats.ThreadFailures++
				logger.Debug().Err(err).Int("tid", tid).Msg("thread not walked")
			default:
				return err
			}

			if err := spool.WriteSample(&sample); err != nil {
				return err
			}
			stats.SamplesRecorded++
		}
		stats.Rounds++
		if err := spool.Flush(); err != nil {
			return err
		}

		deadline := start.Add(time.Duration(i+1) * cfg.Interval)
		if wait := time.Until(deadline); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		} else if i+1 < cfg.Samples {
			stats.FallingBehind++
		}
	}
	return nil
}
