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

// perfScriptRenderer emits the textual `perf script` format consumed by
// FlameGraph's stackcollapse, the Firefox Profiler, and speedscope:
//
//	<thread> <pid>/<tid> <sec>.<nsec> [001] cycles:
//	\t<ip> <symbol>+0x<offset> (<library>)
//	...
//	<blank>
type perfScriptRenderer struct{}

func (p *perfScriptRenderer) ConsumeSingleSample(sample *Sample, cfg *RenderConfig, sym *Symbolizer) ([]byte, error) {
	var b bytes.Buffer

	name := sample.ThreadName
	if name == "" {
		name = "unknown"
	}
	fmt.Fprintf(&b, "%s %d/%d %s [001] cycles:\n",
		name, sample.Pid, sample.Tid, perfTimestamp(sample.Sec, sample.Nsec))

	arch := cfg.arch()
	for i := range sample.Frames {
		ip := fixedIP(sample.Frames, i, arch)
		if ip == 0 {
			continue
		}
		for _, fr := range sym.SymbolizeIP(ip) {
			lib := fr.Library
			if lib == "" {
				lib = "[unknown]"
			}
			fmt.Fprintf(&b, "\t%x %s+0x%x (%s)\n", ip, fr.Function, fr.Offset, lib)
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (p *perfScriptRenderer) Finalise(*RenderConfig, *Symbolizer) ([]byte, error) {
	return nil, nil
}

// perfTimestamp renders the sample time. Nanoseconds are zero-padded to
// nine digits when seconds are non-zero; bare nanoseconds are emitted
// without padding.
func perfTimestamp(sec int64, nsec uint32) string {
	if sec == 0 {
		return fmt.Sprintf("%d.%d", sec, nsec)
	}
	return fmt.Sprintf("%d.%09d", sec, nsec)
}
