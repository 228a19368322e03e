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
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Format selects the output renderer.
type Format string

const (
	FormatPerf      Format = "perf"
	FormatPprof     Format = "pprof"
	FormatCollapsed Format = "collapsed"
)

// ParseFormat maps user-facing format names onto a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "perf", "perf-script", "perfscript":
		return FormatPerf, nil
	case "pprof":
		return FormatPprof, nil
	case "collapsed", "folded", "flamegraph":
		return FormatCollapsed, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// RenderConfig carries the knobs shared by all renderers.
type RenderConfig struct {
	// Arch drives the return-address fixup; runtime.GOARCH when empty.
	Arch string
}

func (c *RenderConfig) arch() string {
	if c == nil || c.Arch == "" {
		return runtime.GOARCH
	}
	return c.Arch
}

// Renderer turns raw samples into one externally defined profile format.
// Renderers are driven single-threaded by the render post-pass and may keep
// state across samples; pprof in particular emits everything at Finalise.
type Renderer interface {
	// ConsumeSingleSample renders one sample, returning the bytes it
	// produces immediately (may be empty for accumulating renderers).
	ConsumeSingleSample(sample *Sample, cfg *RenderConfig, sym *Symbolizer) ([]byte, error)

	// Finalise flushes whatever the renderer holds. Consuming zero
	// samples must still produce a syntactically valid output.
	Finalise(cfg *RenderConfig, sym *Symbolizer) ([]byte, error)
}

// NewRenderer creates a fresh renderer for one session's post-pass.
func NewRenderer(f Format) (Renderer, error) {
	switch f {
	case FormatPerf:
		return &perfScriptRenderer{}, nil
	case FormatCollapsed:
		return &collapsedRenderer{}, nil
	case FormatPprof:
		return newPprofRenderer(), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", string(f))
	}
}

// returnAddressFixup is subtracted from every non-innermost instruction
// pointer before symbolization, moving it off the return address and into
// the call instruction. The innermost frame was interrupted, not called
// into, and is left alone. The raw sample keeps return addresses verbatim
// so a different policy can reanalyze the same spool.
func returnAddressFixup(arch string) uint64 {
	switch arch {
	case "arm64", "arm":
		return 4
	default:
		return 1
	}
}

// fixedIP applies the renderer's return-address fixup for the frame at the
// given index of a sample.
func fixedIP(frames []StackFrame, i int, arch string) uint64 {
	ip := frames[i].IP
	if i == 0 || ip == 0 {
		return ip
	}
	return ip - returnAddressFixup(arch)
}

// RenderSpool streams every record of a recorded spool file through the
// renderer into w: the post-pass of a sampling session, and the whole of
// the conversion front-end.
func RenderSpool(spoolPath string, r Renderer, cfg *RenderConfig, sym *Symbolizer, w io.Writer) error {
	reader, err := OpenSpool(spoolPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		sample, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading spool: %w", err)
		}
		out, err := r.ConsumeSingleSample(sample, cfg, sym)
		if err != nil {
			return fmt.Errorf("rendering sample: %w", err)
		}
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}

	out, err := r.Finalise(cfg, sym)
	if err != nil {
		return fmt.Errorf("finalising output: %w", err)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
