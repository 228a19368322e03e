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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RouteHandler handles a matched request. Returning false declines it: the
// router keeps trying later registrations on the same slug.
type RouteHandler func(w http.ResponseWriter, r *http.Request) bool

// Router dispatches on exact path segments. Handlers for the same slug are
// tried in registration order until one claims the request; an unclaimed
// request falls through to a 404 carrying a usage example.
type Router struct {
	routes []route
	logger zerolog.Logger
}

type route struct {
	slugs   []string
	handler RouteHandler
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{logger: logger.With().Str("component", "http").Logger()}
}

// Register adds a handler for the exact path whose segments are slugs. An
// empty slugs list matches the root path.
func (rt *Router) Register(slugs []string, h RouteHandler) {
	rt.routes = append(rt.routes, route{slugs: slugs, handler: h})
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)
	for _, route := range rt.routes {
		if !slugsEqual(route.slugs, segments) {
			continue
		}
		if route.handler(w, r) {
			return
		}
	}
	rt.notFound(w, r)
}

func (rt *Router) notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "no handler for %s %s\n\n", r.Method, r.URL.Path)
	fmt.Fprintf(w, "to take a profile, try for example:\n\n")
	fmt.Fprintf(w, "    curl -X POST -d '{\"numberOfSamples\": 100, \"timeInterval\": \"10ms\"}' http://%s/sample\n", r.Host)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func slugsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sampleRequest is the body of POST /, /sample, and /samples.
type sampleRequest struct {
	NumberOfSamples int    `json:"numberOfSamples"`
	TimeInterval    string `json:"timeInterval"`
	Format          string `json:"format"`
	Symbolizer      string `json:"symbolizer"`
}

// Server exposes sampling over HTTP: a thin router over the core.
type Server struct {
	Router *Router
	logger zerolog.Logger
}

// NewServer builds the profile-recorder route table.
func NewServer(logger zerolog.Logger) *Server {
	s := &Server{
		Router: NewRouter(logger),
		logger: logger.With().Str("component", "server").Logger(),
	}
	for _, slugs := range [][]string{nil, {"sample"}, {"samples"}} {
		s.Router.Register(slugs, s.handleSample)
	}
	s.Router.Register([]string{"debug", "pprof", "profile"}, s.handlePprofProfile)
	s.Router.Register([]string{"health"}, s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}

	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		serveError(w, http.StatusBadRequest, fmt.Sprintf("bad request body: %v", err))
		return true
	}
	if req.NumberOfSamples <= 0 {
		serveError(w, http.StatusBadRequest, "numberOfSamples must be positive")
		return true
	}
	interval, err := ParseInterval(req.TimeInterval, "ms")
	if err != nil {
		serveError(w, http.StatusBadRequest, err.Error())
		return true
	}
	format, err := ParseFormat(req.Format)
	if err != nil {
		serveError(w, http.StatusBadRequest, err.Error())
		return true
	}

	var backend Backend
	switch req.Symbolizer {
	case "", "native":
		backend = nil // Record defaults to the native backend
	case "fake":
		backend = FakeBackend{}
	default:
		serveError(w, http.StatusBadRequest, fmt.Sprintf("unknown symbolizer %q", req.Symbolizer))
		return true
	}

	s.serveSession(w, r, SessionConfig{
		Samples:  req.NumberOfSamples,
		Interval: interval,
		Format:   format,
		Backend:  backend,
		Logger:   s.logger,
	})
	return true
}

func (s *Server) handlePprofProfile(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}

	seconds := clampQueryInt(r, "seconds", 30)
	rate := clampQueryInt(r, "rate", 100)

	s.serveSession(w, r, SessionConfig{
		Samples:  seconds * rate,
		Interval: time.Second / time.Duration(rate),
		Format:   FormatPprof,
		Logger:   s.logger,
	})
	return true
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, cfg SessionConfig) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	if cfg.Format == FormatPprof {
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", `attachment; filename="profile"`)
	} else {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	}

	stats, err := Record(r.Context(), cfg, w)
	if err != nil {
		s.logger.Error().Err(err).Msg("sampling session failed")
		serveError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().
		Int("rounds", stats.Rounds).
		Int("samples", stats.SamplesRecorded).
		Str("remote", r.RemoteAddr).
		Msg("served profile")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK")
	return true
}

func serveError(w http.ResponseWriter, status int, txt string) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Del("Content-Disposition")
	w.WriteHeader(status)
	fmt.Fprintln(w, txt)
}

// clampQueryInt reads an integer query parameter, applying the default on
// absence or garbage and clamping to 1..=1000.
func clampQueryInt(r *http.Request, key string, def int) int {
	v := def
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			v = n
		}
	}
	if v < 1 {
		v = 1
	}
	if v > 1000 {
		v = 1000
	}
	return v
}
