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
	"debug/dwarf"
	"debug/elf"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// NativeBackend symbolizes in-process: it opens each library file directly,
// parses its ELF or Mach-O tables once, and answers queries from the parsed
// tables. DWARF line and inlining information is used when Inlines is set
// and the object carries it.
type NativeBackend struct {
	// Inlines requests DWARF inline chains and file/line information.
	Inlines bool

	Logger zerolog.Logger

	mu      sync.Mutex
	objects map[string]*objectFile
}

// objectFile is the parsed symbol view of one library. A nil entry in the
// backend's map records an object that could not be parsed, so the open is
// attempted once per library.
type objectFile struct {
	symbols []symRange
	dwarf   *dwarf.Data
}

type symRange struct {
	name  string
	start uint64
	size  uint64
}

func (b *NativeBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string]*objectFile)
	}
	return nil
}

func (b *NativeBackend) Shutdown() error { return nil }

func (b *NativeBackend) Symbolize(fileVaddr uint64, mapping *DynamicLibMapping) (SymbolisedStackFrame, error) {
	obj, err := b.object(mapping.Path)
	if err != nil {
		b.Logger.Debug().Err(err).Str("library", mapping.Path).Msg("object not parseable")
		return nil, nil
	}

	sym, ok := obj.enclosingSymbol(fileVaddr)
	if !ok {
		return nil, nil
	}

	frame := SingleFrame{
		Address:  fileVaddr,
		Function: sym.name,
		Offset:   fileVaddr - sym.start,
		Library:  filepath.Base(mapping.Path),
		Mapping:  mapping,
	}

	if !b.Inlines || obj.dwarf == nil {
		return SymbolisedStackFrame{frame}, nil
	}
	return obj.dwarfFrames(fileVaddr, frame), nil
}

func (b *NativeBackend) object(path string) (*objectFile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string]*objectFile)
	}
	if obj, ok := b.objects[path]; ok {
		if obj == nil {
			return nil, fmt.Errorf("object %s previously failed to parse", path)
		}
		return obj, nil
	}
	obj, err := parseObject(path)
	b.objects[path] = obj // nil on failure, so the open happens once
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (o *objectFile) enclosingSymbol(addr uint64) (symRange, bool) {
	i := sort.Search(len(o.symbols), func(i int) bool { return o.symbols[i].start > addr })
	if i == 0 {
		return symRange{}, false
	}
	sym := o.symbols[i-1]
	if sym.size > 0 && addr >= sym.start+sym.size {
		return symRange{}, false
	}
	return sym, true
}

// dwarfFrames returns the inline chain at addr, innermost inlinee first,
// with the physical frame last. Falls back to just the physical frame when
// the DWARF data has no coverage for the address.
func (o *objectFile) dwarfFrames(addr uint64, physical SingleFrame) SymbolisedStackFrame {
	if file, line, ok := o.lineForPC(addr); ok {
		physical.File = file
		physical.Line = line
	}

	inlines := o.inlinesForPC(addr)
	if len(inlines) == 0 {
		return SymbolisedStackFrame{physical}
	}

	frames := make(SymbolisedStackFrame, 0, len(inlines)+1)
	for _, name := range inlines {
		frames = append(frames, SingleFrame{
			Address:  physical.Address,
			Function: name,
			Library:  physical.Library,
			Mapping:  physical.Mapping,
		})
	}
	return append(frames, physical)
}

func (o *objectFile) lineForPC(addr uint64) (string, int, bool) {
	r := o.dwarf.Reader()
	for {
		ent, err := r.Next()
		if err != nil || ent == nil {
			return "", 0, false
		}
		if ent.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := o.dwarf.Ranges(ent)
		if err != nil || !rangesContain(ranges, addr) {
			r.SkipChildren()
			continue
		}
		lr, err := o.dwarf.LineReader(ent)
		if err != nil || lr == nil {
			return "", 0, false
		}
		var le dwarf.LineEntry
		if err := lr.SeekPC(addr, &le); err != nil {
			return "", 0, false
		}
		return le.File.Name, le.Line, true
	}
}

// inlinesForPC collects the names of inlined subroutines whose ranges
// contain addr, innermost first.
func (o *objectFile) inlinesForPC(addr uint64) []string {
	r := o.dwarf.Reader()
	var chain []string
	depth := -1 // depth of the enclosing subprogram once found, -1 outside

	for {
		ent, err := r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag == 0 {
			continue
		}
		switch ent.Tag {
		case dwarf.TagCompileUnit:
			ranges, err := o.dwarf.Ranges(ent)
			if err == nil && len(ranges) > 0 && !rangesContain(ranges, addr) {
				r.SkipChildren()
			}
		case dwarf.TagSubprogram:
			ranges, err := o.dwarf.Ranges(ent)
			if err != nil || !rangesContain(ranges, addr) {
				r.SkipChildren()
				continue
			}
			depth = 0
		case dwarf.TagInlinedSubroutine:
			if depth < 0 {
				r.SkipChildren()
				continue
			}
			ranges, err := o.dwarf.Ranges(ent)
			if err != nil || !rangesContain(ranges, addr) {
				r.SkipChildren()
				continue
			}
			if name := o.subroutineName(ent); name != "" {
				// Deeper nesting means deeper inlining; prepend
				// so the innermost inlinee ends up first.
				chain = append([]string{name}, chain...)
			}
		}
	}
	return chain
}

// subroutineName resolves an inlined subroutine's name, chasing the abstract
// origin when the DIE itself is nameless.
func (o *objectFile) subroutineName(ent *dwarf.Entry) string {
	for {
		if name, ok := ent.Val(dwarf.AttrName).(string); ok {
			return name
		}
		ao, ok := ent.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			return ""
		}
		r := o.dwarf.Reader()
		r.Seek(ao)
		next, err := r.Next()
		if err != nil || next == nil {
			return ""
		}
		ent = next
	}
}

func rangesContain(ranges [][2]uint64, addr uint64) bool {
	for _, rg := range ranges {
		if addr >= rg[0] && addr < rg[1] {
			return true
		}
	}
	return false
}

// parseObject opens the library file, detects ELF or Mach-O by magic, and
// builds the sorted symbol table.
func parseObject(path string) (*objectFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening object: %w", err)
	}
	var magic [4]byte
	_, err = f.ReadAt(magic[:], 0)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("reading object magic: %w", err)
	}

	switch {
	case string(magic[:]) == elf.ELFMAG:
		return parseELF(path)
	case isMachOMagic(magic):
		return parseMachO(path)
	default:
		return nil, fmt.Errorf("object %s: unrecognized format", path)
	}
}

func isMachOMagic(magic [4]byte) bool {
	m := binary.LittleEndian.Uint32(magic[:])
	return m == macho.Magic32 || m == macho.Magic64 || m == macho.MagicFat
}

func parseELF(path string) (*objectFile, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parsing ELF: %w", err)
	}
	defer f.Close()

	var symbols []symRange
	for _, load := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := load()
		if err != nil {
			continue
		}
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
				continue
			}
			symbols = append(symbols, symRange{name: sym.Name, start: sym.Value, size: sym.Size})
		}
	}
	sortSymbols(symbols)

	obj := &objectFile{symbols: symbols}
	if d, err := f.DWARF(); err == nil {
		obj.dwarf = d
	}
	return obj, nil
}

func parseMachO(path string) (*objectFile, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parsing Mach-O: %w", err)
	}
	defer f.Close()

	var symbols []symRange
	if f.Symtab != nil {
		for _, sym := range f.Symtab.Syms {
			if sym.Value == 0 || sym.Name == "" {
				continue
			}
			symbols = append(symbols, symRange{name: sym.Name, start: sym.Value})
		}
	}
	sortSymbols(symbols)
	// Mach-O nlist entries carry no size; each symbol extends to the next.
	for i := range symbols {
		if i+1 < len(symbols) {
			symbols[i].size = symbols[i+1].start - symbols[i].start
		}
	}

	obj := &objectFile{symbols: symbols}
	if d, err := f.DWARF(); err == nil {
		obj.dwarf = d
	}
	return obj, nil
}

func sortSymbols(symbols []symRange) {
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].start < symbols[j].start })
}
