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
	"strconv"
	"strings"
	"time"
)

var intervalUnits = map[string]time.Duration{
	"ns":  time.Nanosecond,
	"us":  time.Microsecond,
	"ms":  time.Millisecond,
	"s":   time.Second,
	"min": time.Minute,
	"h":   time.Hour,
	"hr":  time.Hour,
}

// ParseInterval parses a sampling interval of the form "<n><unit>" or
// "<n> <unit>", units ns, us, ms, s, min, h, hr. A bare number takes
// defaultUnit; an empty defaultUnit makes bare numbers an error, and an
// unknown unit is always one.
func ParseInterval(s, defaultUnit string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid interval %q: no leading number", s)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}

	unit := strings.TrimSpace(s[i:])
	if unit == "" {
		unit = defaultUnit
	}
	d, ok := intervalUnits[unit]
	if !ok {
		return 0, fmt.Errorf("invalid interval %q: unknown unit %q", s, unit)
	}
	return time.Duration(n) * d, nil
}
