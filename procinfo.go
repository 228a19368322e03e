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
	"os"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessInfo is the identity snapshot of the profiled process, logged at
// session start.
type ProcessInfo struct {
	Pid        int32  `json:"pid"`
	Name       string `json:"name"`
	NumThreads int32  `json:"numThreads"`
	RSSBytes   uint64 `json:"rssBytes"`
}

// CurrentProcessInfo describes the current process. Fields that cannot be
// read stay at their zero values; only a missing process is an error.
func CurrentProcessInfo() (ProcessInfo, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ProcessInfo{}, err
	}
	info := ProcessInfo{Pid: p.Pid}
	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if nt, err := p.NumThreads(); err == nil {
		info.NumThreads = nt
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		info.RSSBytes = mi.RSS
	}
	return info, nil
}

func logProcessInfo(logger zerolog.Logger) {
	info, err := CurrentProcessInfo()
	if err != nil {
		logger.Debug().Err(err).Msg("process info unavailable")
		return
	}
	logger.Info().
		Int32("pid", info.Pid).
		Str("process", info.Name).
		Int32("threads", info.NumThreads).
		Uint64("rss_bytes", info.RSSBytes).
		Msg("profiling session starting")
}
