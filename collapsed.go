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
	"bytes"
	"fmt"
)

// collapsedRenderer emits folded stacks for FlameGraph tooling: one line
// per sample, frames outermost to innermost joined by semicolons, a space,
// then the sample time as a single nanosecond integer. Lines are rooted at
// the thread name, so a sample whose stack could not be walked still folds
// into something visible.
type collapsedRenderer struct{}

func (c *collapsedRenderer) ConsumeSingleSample(sample *Sample, cfg *RenderConfig, sym *Symbolizer) ([]byte, error) {
	var b bytes.Buffer

	name := sample.ThreadName
	if name == "" {
		name = "unknown"
	}
	b.WriteString(name)

	// Samples record frames innermost first; folded stacks read the other
	// way. Within one IP, the physical frame comes first and the innermost
	// inlinee last.
	arch := cfg.arch()
	for i := len(sample.Frames) - 1; i >= 0; i-- {
		ip := fixedIP(sample.Frames, i, arch)
		if ip == 0 {
			continue
		}
		frames := sym.SymbolizeIP(ip)
		for j := len(frames) - 1; j >= 0; j-- {
			b.WriteByte(';')
			b.WriteString(frames[j].Function)
		}
	}

	fmt.Fprintf(&b, " %s\n", collapsedTimestamp(sample.Sec, sample.Nsec))
	return b.Bytes(), nil
}

func (c *collapsedRenderer) Finalise(*RenderConfig, *Symbolizer) ([]byte, error) {
	return nil, nil
}

// collapsedTimestamp encodes sec*1e9+nsec by literal concatenation: the
// seconds, then the nanoseconds zero-padded to nine digits; bare
// nanoseconds when there are no seconds.
func collapsedTimestamp(sec int64, nsec uint32) string {
	if sec == 0 {
		return fmt.Sprintf("%d", nsec)
	}
	return fmt.Sprintf("%d%09d", sec, nsec)
}
