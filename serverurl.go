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
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Environment variables selecting the server's listening URL. The pattern
// variant substitutes {PID} and {UUID} tokens, so many processes sharing an
// environment each get their own socket.
const (
	EnvServerURL        = "PROFILE_RECORDER_SERVER_URL"
	EnvServerURLPattern = "PROFILE_RECORDER_SERVER_URL_PATTERN"
)

// ResolveServerURL picks the listening URL: the explicit environment URL,
// then the expanded pattern, then fallback.
func ResolveServerURL(fallback string) string {
	if v := os.Getenv(EnvServerURL); v != "" {
		return v
	}
	if v := os.Getenv(EnvServerURLPattern); v != "" {
		v = strings.ReplaceAll(v, "{PID}", strconv.Itoa(os.Getpid()))
		v = strings.ReplaceAll(v, "{UUID}", uuid.NewString())
		return v
	}
	return fallback
}

// ListenURL opens a listener for a server URL of scheme http://, unix://,
// or http+unix://.
func ListenURL(rawURL string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(rawURL, "unix://"):
		return listenUnix(strings.TrimPrefix(rawURL, "unix://"))
	case strings.HasPrefix(rawURL, "http+unix://"):
		return listenUnix(strings.TrimPrefix(rawURL, "http+unix://"))
	case strings.HasPrefix(rawURL, "http://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parsing server url %q: %w", rawURL, err)
		}
		return net.Listen("tcp", u.Host)
	default:
		return nil, fmt.Errorf("server url %q: scheme must be http://, unix:// or http+unix://", rawURL)
	}
}

func listenUnix(path string) (net.Listener, error) {
	// A dead socket file from a previous run blocks the bind; a live one
	// means another instance owns the path and the bind should fail.
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil, fmt.Errorf("server url unix://%s: address already in use", path)
		}
		os.Remove(path)
	}
	return net.Listen("unix", path)
}
