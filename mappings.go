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
	"sort"

	"golang.org/x/exp/slices"
)

// MappingTable is the snapshot of the process's executable mappings taken at
// session start, sorted by runtime start address for binary search.
type MappingTable struct {
	mappings []DynamicLibMapping
}

// NewMappingTable builds a table from the given mappings. The input is
// cloned and sorted; overlapping ranges keep their relative order.
func NewMappingTable(mappings []DynamicLibMapping) *MappingTable {
	ms := slices.Clone(mappings)
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Start < ms[j].Start })
	return &MappingTable{mappings: ms}
}

// Lookup returns the mapping whose runtime range contains ip, or nil.
func (t *MappingTable) Lookup(ip uint64) *DynamicLibMapping {
	i := sort.Search(len(t.mappings), func(i int) bool { return t.mappings[i].End > ip })
	if i == len(t.mappings) {
		return nil
	}
	if m := &t.mappings[i]; m.Contains(ip) {
		return m
	}
	return nil
}

// Mappings returns the snapshot in start-address order.
func (t *MappingTable) Mappings() []DynamicLibMapping {
	return t.mappings
}
