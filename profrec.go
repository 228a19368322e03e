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

// Package profrec is an in-process sampling profiler. Linked into a target
// program, it periodically pauses every live thread of the process, records
// each thread's backtrace, symbolizes the captured addresses against the
// process's own loaded object files, and renders the result as perf script,
// pprof, or collapsed stacks.
package profrec

import (
	"errors"
	"fmt"
	"math"
)

// SentinelSP marks "top of unwind" in a stack frame. A frame whose stack
// pointer equals SentinelSP carries no usable unwind state.
const SentinelSP = math.MaxUint64

// StackFrame is one captured frame of a thread's stack: the instruction
// pointer and the stack pointer at that point of the unwind. Addresses are
// only meaningful in the address space that produced them.
type StackFrame struct {
	IP uint64
	SP uint64
}

// Sample is the backtrace of one thread at one instant. Frames are ordered
// innermost first. An empty Frames slice is legal and means the thread could
// not be walked; such samples are still emitted.
type Sample struct {
	Pid        uint32
	Tid        uint64
	ThreadName string
	Sec        int64
	Nsec       uint32
	Truncated  bool
	Frames     []StackFrame
}

// DynamicLibMapping describes one loaded object's runtime address range.
// Start..End is the half-open runtime range; Slide is the constant added to a
// file-virtual address in the object to obtain its runtime address.
type DynamicLibMapping struct {
	Path  string
	Arch  string
	Slide uint64
	Start uint64
	End   uint64
}

// Contains reports whether ip falls inside the mapping's runtime range.
func (m *DynamicLibMapping) Contains(ip uint64) bool {
	return ip >= m.Start && ip < m.End
}

// SingleFrame is one source-level frame resolved for an instruction pointer.
// Address is the file-virtual address inside the library.
type SingleFrame struct {
	Address  uint64
	Function string
	Offset   uint64
	Library  string
	Mapping  *DynamicLibMapping
	File     string
	Line     int
}

// SymbolisedStackFrame is the resolution of a single instruction pointer. It
// has at least one element; more than one only when the symbolizer reports
// inlined frames at that address, innermost inlinee first, physical frame
// last.
type SymbolisedStackFrame []SingleFrame

// UnknownFunctionName is the function name synthesized when a backend
// resolves a library but returns no symbol for the address.
const UnknownFunctionName = "<unknown-unset>"

// unknownFrame synthesizes the resolution for an address no mapping covers.
func unknownFrame(ip uint64) SymbolisedStackFrame {
	return SymbolisedStackFrame{{
		Address:  ip,
		Function: fmt.Sprintf("unknown @ 0x%x", ip),
	}}
}

var (
	// ErrUnsupportedPlatform is returned by every sampling entry point on
	// platforms without stopper support. Symbolization and rendering of
	// previously recorded spools keep working.
	ErrUnsupportedPlatform = errors.New("profrec: sampling is not supported on this platform")

	// ErrHandlerNotInstalled means the profiling signal handler could not
	// be installed. Fatal for the process: no samples can ever be taken.
	ErrHandlerNotInstalled = errors.New("profrec: profiling signal handler not installed")

	// ErrThreadGone means the target thread exited before it could be
	// paused. Per-thread, never fatal for a round.
	ErrThreadGone = errors.New("profrec: thread gone")

	// ErrStuckThread means the target thread did not reach the paused
	// state within the stop timeout. Per-thread, never fatal for a round.
	ErrStuckThread = errors.New("profrec: thread stuck, context not captured")

	// ErrAlreadyMe means the caller asked to pause its own thread.
	ErrAlreadyMe = errors.New("profrec: cannot pause the calling thread")

	// ErrBackendTimeout means one symbolizer query exceeded its deadline.
	// The query fails; the backend and the cache stay usable.
	ErrBackendTimeout = errors.New("profrec: symbolizer backend timed out")

	// ErrCancelled is reported by backend queries outstanding when the
	// session shuts down.
	ErrCancelled = errors.New("profrec: cancelled")
)
