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

	"github.com/google/pprof/profile"
)

// pprofRenderer accumulates every sample and emits one gzip-compressed
// pprof protobuf at Finalise. Locations are interned by fixed-up IP and
// functions by (name, file), so repeated stacks share table entries.
type pprofRenderer struct {
	prof      *profile.Profile
	locations map[uint64]*profile.Location
	functions map[functionKey]*profile.Function
	mappings  map[string]*profile.Mapping

	haveFirst bool
	firstNano int64
	prevNano  int64
}

type functionKey struct {
	name string
	file string
}

func newPprofRenderer() *pprofRenderer {
	return &pprofRenderer{
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "samples", Unit: "count"},
				{Type: "time", Unit: "nanoseconds"},
			},
			PeriodType: &profile.ValueType{Type: "time", Unit: "nanoseconds"},
		},
		locations: make(map[uint64]*profile.Location),
		functions: make(map[functionKey]*profile.Function),
		mappings:  make(map[string]*profile.Mapping),
	}
}

func (p *pprofRenderer) ConsumeSingleSample(sample *Sample, cfg *RenderConfig, sym *Symbolizer) ([]byte, error) {
	nano := sample.Sec*1e9 + int64(sample.Nsec)
	var delta int64
	if p.haveFirst {
		delta = nano - p.prevNano
	} else {
		p.haveFirst = true
		p.firstNano = nano
		p.prof.TimeNanos = nano
	}
	p.prevNano = nano
	p.prof.DurationNanos = nano - p.firstNano

	arch := cfg.arch()
	locs := make([]*profile.Location, 0, len(sample.Frames))
	for i := range sample.Frames {
		ip := fixedIP(sample.Frames, i, arch)
		if ip == 0 {
			continue
		}
		locs = append(locs, p.locationForIP(ip, sym))
	}

	p.prof.Sample = append(p.prof.Sample, &profile.Sample{
		Location: locs,
		Value:    []int64{1, delta},
		Label: map[string][]string{
			"thread": {sample.ThreadName},
		},
	})
	return nil, nil
}

// Finalise serializes the accumulated profile. profile.Write gzips; an
// empty profile still serializes to a valid non-empty compressed blob.
func (p *pprofRenderer) Finalise(*RenderConfig, *Symbolizer) ([]byte, error) {
	var b bytes.Buffer
	if err := p.prof.Write(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (p *pprofRenderer) locationForIP(ip uint64, sym *Symbolizer) *profile.Location {
	if loc, ok := p.locations[ip]; ok {
		return loc
	}

	frames := sym.SymbolizeIP(ip)
	loc := &profile.Location{
		ID:      uint64(len(p.prof.Location)) + 1, // 0 is reserved by pprof
		Address: ip,
	}
	if m := frames[len(frames)-1].Mapping; m != nil {
		loc.Mapping = p.mappingFor(m)
	}

	// pprof expects lines rooted at the outermost call; inline chains are
	// recorded innermost first, so fill backwards.
	lines := make([]profile.Line, len(frames))
	for i, fr := range frames {
		lines[len(frames)-(i+1)] = profile.Line{
			Function: p.functionFor(fr),
			Line:     int64(fr.Line),
		}
	}
	loc.Line = lines

	p.prof.Location = append(p.prof.Location, loc)
	p.locations[ip] = loc
	return loc
}

func (p *pprofRenderer) functionFor(fr SingleFrame) *profile.Function {
	key := functionKey{name: fr.Function, file: fr.File}
	if fn, ok := p.functions[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(p.prof.Function)) + 1, // 0 is reserved by pprof
		Name:       fr.Function,
		SystemName: fr.Function,
		Filename:   fr.File,
	}
	p.prof.Function = append(p.prof.Function, fn)
	p.functions[key] = fn
	return fn
}

func (p *pprofRenderer) mappingFor(m *DynamicLibMapping) *profile.Mapping {
	if pm, ok := p.mappings[m.Path]; ok {
		return pm
	}
	pm := &profile.Mapping{
		ID:    uint64(len(p.prof.Mapping)) + 1,
		Start: m.Start,
		Limit: m.End,
		File:  m.Path,
	}
	p.prof.Mapping = append(p.prof.Mapping, pm)
	p.mappings[m.Path] = pm
	return pm
}
