// Package api provides the daemon's HTTP surface: webhook intake under
// /webhook/{sourceID} and the loopback control RPC under /control/*. One
// process-wide listener serves every loaded module; webhook paths are
// namespaced by source id, which the runtime keeps unique across modules.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/runtime"
	"github.com/orgloop/orgloop/internal/statedir"
)

// DefaultAddr binds to loopback only: the control API carries no
// authentication of its own.
const DefaultAddr = "127.0.0.1:4800"

// maxBodySize caps webhook and control request bodies (1MB).
const maxBodySize = 1 << 20

// controlTimeout bounds one control RPC.
const controlTimeout = 30 * time.Second

// ControlHandler serves one control RPC path. Params is the raw JSON body;
// the returned value is encoded as the JSON response.
type ControlHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Server is the daemon's HTTP listener.
type Server struct {
	rt    *runtime.Runtime
	state *statedir.Dir
	addr  string

	mu       sync.Mutex
	control  map[string]ControlHandler
	listener net.Listener
	srv      *http.Server
}

// Options configures the listener.
type Options struct {
	Runtime *runtime.Runtime

	// State, when set, receives the bound port for daemon discovery.
	State *statedir.Dir

	// Addr overrides DefaultAddr. Use 127.0.0.1:0 in tests.
	Addr string
}

// New creates an unstarted server with the built-in control handlers
// registered.
func New(opts Options) *Server {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		rt:      opts.Runtime,
		state:   opts.State,
		addr:    addr,
		control: make(map[string]ControlHandler),
	}
	s.registerBuiltins()
	return s
}

// RegisterControl mounts a handler under /control/<path>, replacing any prior
// registration. Runtime extensions use this for paths beyond the built-ins.
func (s *Server) RegisterControl(path string, h ControlHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control[path] = h
}

// Router builds the chi router. Exposed for httptest servers.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-Hub-Signature-256", "X-Signature"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(limitBody)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Post("/webhook/{sourceID}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(controlTimeout))
		r.Post("/control/*", s.handleControl)
	})

	return r
}

// Start binds the listener, records the port for discovery, and serves in the
// background until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	if s.state != nil {
		port := ln.Addr().(*net.TCPAddr).Port
		if err := s.state.WritePort(port); err != nil {
			ln.Close()
			return fmt.Errorf("record listener port: %w", err)
		}
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http listener failed", "addr", s.addr, "error", err)
		}
	}()

	slog.Info("http listener started", "addr", ln.Addr().String())
	return nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	events, err := s.rt.HandleWebhook(r.Context(), sourceID, r)
	if err != nil {
		var whErr *connector.WebhookError
		if errors.As(err, &whErr) {
			errorJSON(w, whErr.Status, whErr.Message)
			return
		}
		slog.Error("webhook handling failed", "source", sourceID, "error", err)
		errorJSON(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}

	resp := map[string]any{"ok": true}
	if len(events) > 0 {
		resp["event_id"] = events[0].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")

	s.mu.Lock()
	h, ok := s.control[path]
	s.mu.Unlock()
	if !ok {
		errorJSON(w, http.StatusNotFound, fmt.Sprintf("unknown control path %q", path))
		return
	}

	// Control calls without params are legal; a present body must be JSON.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "read request body failed")
		return
	}
	var params json.RawMessage
	if len(bytes.TrimSpace(body)) > 0 {
		if !json.Valid(body) {
			errorJSON(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
		params = body
	}

	result, err := h(r.Context(), params)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) registerBuiltins() {
	s.RegisterControl("module/load-project", func(ctx context.Context, params json.RawMessage) (any, error) {
		var req struct {
			ConfigPath string `json:"configPath"`
			ProjectDir string `json:"projectDir"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		m, err := s.rt.LoadProject(ctx, req.ConfigPath, req.ProjectDir)
		if err != nil {
			return nil, err
		}
		cfg := m.Config()
		resp := map[string]any{"name": cfg.Name, "state": string(m.State())}
		var sources, actors, routes []string
		for _, sc := range cfg.Sources {
			sources = append(sources, sc.ID)
		}
		for _, ac := range cfg.Actors {
			actors = append(actors, ac.ID)
		}
		for _, rt := range cfg.Routes {
			routes = append(routes, rt.Name)
		}
		resp["sources"] = sources
		resp["actors"] = actors
		resp["routes"] = routes
		return resp, nil
	})

	s.RegisterControl("module/unload", func(ctx context.Context, params json.RawMessage) (any, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if err := s.rt.UnloadModule(ctx, req.Name); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})

	s.RegisterControl("status", func(context.Context, json.RawMessage) (any, error) {
		return s.rt.Status(), nil
	})

	s.RegisterControl("shutdown", func(context.Context, json.RawMessage) (any, error) {
		s.rt.RequestShutdown()
		return map[string]any{"ok": true}, nil
	})
}

// limitBody caps request body size.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

// errorJSON writes the error envelope all failures share.
func errorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}
