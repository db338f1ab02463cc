package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"zll-bridge/internal/automation"
	"zll-bridge/internal/coordinator"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires the key on every /api/ route except /api/health.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the CORS and WebSocket origin allow-list.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the /api/automations routes.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API of the bridge.
type Server struct {
	coord   *coordinator.Coordinator
	stream  *eventStream
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
	version string

	apiKey         string
	allowedOrigins []string

	scriptMgr  *automation.Manager
	autoEngine *automation.Engine

	wg    sync.WaitGroup
	unsub func()
}

// NewServer creates the API server and starts streaming coordinator events.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.stream = newEventStream(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.stream.run()
	}()
	s.unsub = coord.Events().OnAll(s.stream.publish)

	s.routes()
	s.handler = s.checkOrigin(s.requireKey(s.mux))
	return s
}

// Stop ends every event subscription and waits for the stream goroutine.
func (s *Server) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
	s.stream.close()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Touchlink
	s.mux.HandleFunc("GET /api/touchlink", s.handleAPITouchlinkStatus)
	s.mux.HandleFunc("POST /api/touchlink/start", s.handleAPITouchlinkStart)
	s.mux.HandleFunc("GET /api/node", s.handleAPINode)
	s.mux.HandleFunc("POST /api/node/reset", s.handleAPINodeReset)
	s.mux.HandleFunc("GET /api/history", s.handleAPIHistory)
	s.mux.HandleFunc("GET /api/cluster", s.handleAPICluster)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /api/ws", s.handleWS)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// checkOrigin answers CORS preflights and rejects cross-origin writes from
// origins outside the allow-list. With no allow-list it does nothing.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if len(s.allowedOrigins) == 0 || origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowed := s.isOriginAllowed(origin)

		switch {
		case r.Method == http.MethodOptions:
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			h.Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		case r.Method != http.MethodGet:
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") &&
			r.URL.Path != "/api/health" && !s.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized checks the X-API-Key header. Browsers cannot set headers on a
// WebSocket upgrade, so /api/ws also accepts the api_key query parameter.
func (s *Server) authorized(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" && r.URL.Path == "/api/ws" {
		key = r.URL.Query().Get("api_key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

func (s *Server) isOriginAllowed(origin string) bool {
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}
