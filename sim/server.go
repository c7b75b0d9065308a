// Package sim is a simulated leak detector backend speaking the same HTTP
// resource protocol as the real adapter, for development and tests.
package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/endpoint"
	"github.com/benjamonnguyen/leakwatch/eventlog"
)

type ServerOptions struct {
	// System is the adapter name served under /api/<version>/, "hxtleak" if empty.
	System     string
	APIVersion string
	Logger     leakwatch.Logger

	// EventEnvelope, if set, wraps event_log replies as {EventEnvelope: batch}.
	EventEnvelope string
}

type Server struct {
	device  *Device
	events  *EventLogger
	system   string
	version  string
	envelope string
	l        leakwatch.Logger
}

func NewServer(device *Device, events *EventLogger, opts ServerOptions) *Server {
	s := &Server{
		device:   device,
		events:   events,
		system:   opts.System,
		version:  opts.APIVersion,
		envelope: opts.EventEnvelope,
		l:        opts.Logger,
	}
	if s.system == "" {
		s.system = "hxtleak"
	}
	if s.version == "" {
		s.version = endpoint.DefaultAPIVersion
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if s.l != nil {
		router.Use(s.logRequests)
	}

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	router.Route("/api/{version}/{system}", func(r chi.Router) {
		r.Use(s.checkAdapter)
		r.Get("/*", s.get)
		r.Put("/*", s.put)
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, fmt.Sprintf("Invalid path: %s", r.URL.Path))
	})
	return router
}

func (s *Server) checkAdapter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := chi.URLParam(r, "version"); v != s.version {
			writeError(w, fmt.Sprintf("API version %s is not supported", v))
			return
		}
		if sys := chi.URLParam(r, "system"); sys != s.system {
			writeError(w, fmt.Sprintf("No API adapter registered for subsystem %s", sys))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	path := splitPath(chi.URLParam(r, "*"))
	if len(path) == 0 {
		writeJSON(w, map[string]any{
			"system":    s.device.State(),
			"event_log": s.events.Current(),
		})
		return
	}

	switch path[0] {
	case "system":
		tree, err := toTree(s.device.State())
		if err != nil {
			writeError(w, err.Error())
			return
		}
		v, err := walk(tree, path[1:])
		if err != nil {
			writeError(w, fmt.Sprintf("Invalid path: %s", strings.Join(path, "/")))
			return
		}
		writeJSON(w, map[string]any{path[len(path)-1]: v})
	case "event_log":
		if len(path) > 1 {
			writeError(w, fmt.Sprintf("Invalid path: %s", strings.Join(path, "/")))
			return
		}
		s.writeBatch(w, s.events.Current())
	default:
		writeError(w, fmt.Sprintf("Invalid path: %s", strings.Join(path, "/")))
	}
}

func (s *Server) writeBatch(w http.ResponseWriter, b eventlog.Batch) {
	if s.envelope == "" {
		writeJSON(w, b)
		return
	}
	writeJSON(w, map[string]eventlog.Batch{s.envelope: b})
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	path := splitPath(chi.URLParam(r, "*"))
	switch {
	case len(path) == 1 && path[0] == "event_log":
		var req eventlog.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Sprintf("Failed to decode PUT request body: %v", err))
			return
		}
		b, err := s.events.Since(req.EventsSince)
		if err != nil {
			writeError(w, err.Error())
			return
		}
		s.writeBatch(w, b)

	case len(path) == 3 && path[0] == "system" && path[1] == "outlets":
		var req struct {
			State *bool `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Sprintf("Failed to decode PUT request body: %v", err))
			return
		}
		if req.State == nil {
			o, err := s.device.Outlet(path[2])
			if err != nil {
				writeError(w, fmt.Sprintf("Invalid path: %s", strings.Join(path, "/")))
				return
			}
			writeJSON(w, o)
			return
		}
		o, err := s.device.SetOutlet(path[2], *req.State)
		switch {
		case errors.Is(err, ErrUnknownOutlet):
			writeError(w, fmt.Sprintf("Invalid path: %s", strings.Join(path, "/")))
		case err != nil:
			writeError(w, err.Error())
		default:
			writeJSON(w, o)
		}

	default:
		writeError(w, fmt.Sprintf("Invalid path: %s", strings.Join(path, "/")))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.l.Debug("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", r.Header.Get("X-Request-ID"),
		)
	})
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// toTree converts v into its JSON object form so arbitrary subpaths can be read.
func toTree(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func walk(tree map[string]any, path []string) (any, error) {
	var cur any = tree
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s is not a branch", key)
		}
		if cur, ok = m[key]; !ok {
			return nil, fmt.Errorf("%s not found", key)
		}
	}
	return cur, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("Failed to encode response: %v", err), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
