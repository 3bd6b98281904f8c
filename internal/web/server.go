// Package web serves the JSON API, the Prometheus endpoint and the websocket
// event stream.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"hub-go-home/internal/automation"
	"hub-go-home/internal/events"
	"hub-go-home/internal/keyval"
	"hub-go-home/internal/kvstore"
	"hub-go-home/internal/metrics"
	"hub-go-home/internal/poller"
	"hub-go-home/internal/registry"
	"hub-go-home/internal/wakelight"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithKV exposes the module documents under /api/kv.
func WithKV(dir *kvstore.Dir) ServerOption {
	return func(s *Server) {
		s.kv = dir
	}
}

func WithKeyval(store *keyval.Store) ServerOption {
	return func(s *Server) {
		s.keyval = store
	}
}

func WithWakelight(e *wakelight.Effect) ServerOption {
	return func(s *Server) {
		s.wake = e
	}
}

// WithPollers exposes poller state and control.
func WithPollers(g *poller.Group) ServerOption {
	return func(s *Server) {
		s.pollers = g
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server.
type Server struct {
	reg            *registry.Registry
	bus            *events.Bus
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	kv             *kvstore.Dir
	keyval         *keyval.Store
	wake           *wakelight.Effect
	pollers        *poller.Group
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts the websocket hub. Every event on
// bus is pushed to websocket clients.
func NewServer(reg *registry.Registry, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		reg:    reg,
		bus:    bus,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	if bus != nil {
		s.unsubEvents = bus.OnAll(func(ev events.Event) {
			s.wsHub.Broadcast(ev)
		})
	}

	s.routes()
	return s
}

// Stop shuts down the websocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/known", s.handleAPIKnownDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{id}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/clusters/{kind}/{property}", s.handleAPISetProperty)
	s.mux.HandleFunc("GET /api/capabilities", s.handleAPICapabilities)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/kv/{module}", s.handleAPIGetKV)
	s.mux.HandleFunc("POST /api/kv/{module}", s.handleAPISetKV)

	s.mux.HandleFunc("GET /api/keyval", s.handleAPIListKeyval)
	s.mux.HandleFunc("GET /api/keyval/{key}", s.handleAPIGetKeyval)
	s.mux.HandleFunc("POST /api/keyval/{key}", s.handleAPISetKeyval)
	s.mux.HandleFunc("POST /api/keyval/{key}/toggle", s.handleAPIToggleKeyval)

	s.mux.HandleFunc("POST /api/wakelight/set", s.handleAPIWakelightSet)
	s.mux.HandleFunc("POST /api/wakelight/clear", s.handleAPIWakelightClear)
	s.mux.HandleFunc("GET /api/wakelight/status", s.handleAPIWakelightStatus)
	s.mux.HandleFunc("GET /api/wakelight/config", s.handleAPIWakelightConfig)
	s.mux.HandleFunc("POST /api/wakelight/config", s.handleAPISaveWakelightConfig)

	s.mux.HandleFunc("GET /api/pollers", s.handleAPIListPollers)
	s.mux.HandleFunc("POST /api/pollers/{name}/{action}", s.handleAPIPollerAction)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("POST /api/automations/run", s.handleAPIRunInline)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS, auth and request metrics.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		s.serve(w, r)
		return
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.serve(rec, r)
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot send custom headers on a WS upgrade, so only /api/
	// requires the key.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
