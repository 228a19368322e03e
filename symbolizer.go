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
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Backend resolves a file-virtual address inside one mapped object to
// source-level frames. Implementations: native (in-process ELF/Mach-O),
// external (out-of-process symbolizer over pipes), fake (deterministic,
// for tests).
type Backend interface {
	// Start prepares the backend. Called once before the first Symbolize.
	Start() error

	// Symbolize returns the frames for the given file-virtual address,
	// innermost inlinee first. An empty result with a nil error means the
	// object holds no symbol for the address; an error means this query
	// failed but the backend remains usable.
	Symbolize(fileVaddr uint64, mapping *DynamicLibMapping) (SymbolisedStackFrame, error)

	// Shutdown releases backend resources. Outstanding queries fail with
	// ErrCancelled.
	Shutdown() error
}

// Symbolizer translates runtime instruction pointers to source-level frames:
// mapping lookup, address translation, backend query, and a process-lifetime
// cache with single-flight semantics. Safe for concurrent use.
type Symbolizer struct {
	table   *MappingTable
	backend Backend
	logger  zerolog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[symbolKey]SymbolisedStackFrame
}

type symbolKey struct {
	path string
	addr uint64
}

// NewSymbolizer creates a symbolizer over the given mapping snapshot and
// backend. The caller owns backend lifecycle via Start/Close.
func NewSymbolizer(table *MappingTable, backend Backend, logger zerolog.Logger) *Symbolizer {
	return &Symbolizer{
		table:   table,
		backend: backend,
		logger:  logger.With().Str("component", "symbolizer").Logger(),
		cache:   make(map[symbolKey]SymbolisedStackFrame),
	}
}

// Start starts the backend.
func (s *Symbolizer) Start() error { return s.backend.Start() }

// Close shuts the backend down. The cache stays valid: hits keep resolving
// without a backend.
func (s *Symbolizer) Close() error { return s.backend.Shutdown() }

// SymbolizeIP resolves a runtime instruction pointer. It never fails: an
// address outside every mapping, or one whose backend query errors, resolves
// to a synthetic frame.
//
// The cache is monotonic. Once a (library, file-virtual-address) pair is
// resolved, every later lookup returns the same value for the lifetime of
// the process. Concurrent lookups of the same pair trigger at most one
// backend query; distinct pairs proceed in parallel.
func (s *Symbolizer) SymbolizeIP(ip uint64) SymbolisedStackFrame {
	m := s.table.Lookup(ip)
	if m == nil {
		return unknownFrame(ip)
	}
	addr := ip - m.Slide
	key := symbolKey{path: m.Path, addr: addr}

	s.mu.RLock()
	frames, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return frames
	}

	v, _, _ := s.group.Do(fmt.Sprintf("%s\x00%x", key.path, key.addr), func() (any, error) {
		// Re-check under the flight: a previous flight may have
		// populated the key between our miss and this call.
		s.mu.RLock()
		cached, ok := s.cache[key]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}

		resolved, err := s.backend.Symbolize(addr, m)
		if err != nil {
			// Per-query failure: synthesize, do not poison the
			// cache, leave the backend alive.
			s.logger.Warn().Err(err).Str("library", m.Path).
				Uint64("address", addr).Msg("backend query failed")
			return unknownFrame(ip), nil
		}
		if len(resolved) == 0 {
			resolved = SymbolisedStackFrame{{
				Address:  addr,
				Function: UnknownFunctionName,
				Library:  filepath.Base(m.Path),
				Mapping:  m,
			}}
		}
		s.mu.Lock()
		if prior, ok := s.cache[key]; ok {
			resolved = prior
		} else {
			s.cache[key] = resolved
		}
		s.mu.Unlock()
		return resolved, nil
	})
	return v.(SymbolisedStackFrame)
}

// FakeBackend is the deterministic backend used by tests: every address in a
// known mapping resolves to function "fake" at offset 5.
type FakeBackend struct{}

func (FakeBackend) Start() error    { return nil }
func (FakeBackend) Shutdown() error { return nil }

func (FakeBackend) Symbolize(fileVaddr uint64, mapping *DynamicLibMapping) (SymbolisedStackFrame, error) {
	return SymbolisedStackFrame{{
		Address:  fileVaddr,
		Function: "fake",
		Offset:   5,
		Library:  filepath.Base(mapping.Path),
		Mapping:  mapping,
	}}, nil
}
