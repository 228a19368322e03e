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

//go:build linux

package profrec

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// SnapshotMappings parses /proc/self/maps and returns the executable
// mappings of the current process, slides resolved against each object's
// load segments. Snapshot once per sampling session; the set of loaded
// objects may change afterwards, but addresses sampled during the session
// are interpreted against this snapshot.
func SnapshotMappings() (*MappingTable, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("reading memory map: %w", err)
	}
	defer f.Close()

	loadBias := make(map[string]uint64)
	var mappings []DynamicLibMapping

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, offset, ok := parseMapsLine(scanner.Text())
		if !ok {
			continue
		}
		// runtime = filevaddr + slide, where filevaddr of the mapped
		// range starts at p_vaddr + (offset - p_off) of the load
		// segment holding this file offset.
		bias, _ := segmentBias(loadBias, m.Path, offset)
		m.Slide = m.Start - offset - bias
		m.Arch = runtime.GOARCH
		mappings = append(mappings, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading memory map: %w", err)
	}
	return NewMappingTable(mappings), nil
}

// parseMapsLine extracts one executable, file-backed mapping and its file
// offset; returns ok=false for non-executable or anonymous entries.
func parseMapsLine(line string) (DynamicLibMapping, uint64, bool) {
	// address           perms offset  dev   inode   pathname
	// 7f1c7a000000-7f1c7a1b5000 r-xp 00028000 103:02 1575\t/usr/lib/libc.so.6
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return DynamicLibMapping{}, 0, false
	}
	perms := fields[1]
	if !strings.Contains(perms, "x") {
		return DynamicLibMapping{}, 0, false
	}
	path := fields[5]
	if strings.HasPrefix(path, "[") || path == "" {
		return DynamicLibMapping{}, 0, false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return DynamicLibMapping{}, 0, false
	}
	start, err1 := strconv.ParseUint(addrs[0], 16, 64)
	end, err2 := strconv.ParseUint(addrs[1], 16, 64)
	offset, err3 := strconv.ParseUint(fields[2], 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return DynamicLibMapping{}, 0, false
	}

	return DynamicLibMapping{
		Path:  path,
		Start: start,
		End:   end,
	}, offset, true
}

// segmentBias returns p_vaddr-p_offset of the object's load segment holding
// the given file offset, so the slide accounts for objects whose segments are
// not linked at file-offset zero. Results are memoized per path; objects
// that cannot be opened get a zero bias, which is exact for the common
// p_vaddr==p_offset layout.
func segmentBias(cache map[string]uint64, path string, fileOff uint64) (uint64, bool) {
	if bias, ok := cache[path]; ok {
		return bias, true
	}
	f, err := elf.Open(path)
	if err != nil {
		cache[path] = 0
		return 0, false
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if fileOff >= prog.Off && fileOff < prog.Off+prog.Filesz {
			bias := prog.Vaddr - prog.Off
			cache[path] = bias
			return bias, true
		}
	}
	cache[path] = 0
	return 0, false
}
