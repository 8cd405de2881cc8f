// Package server exposes stream sessions over HTTP: start and stop per
// device, session stats and a WebSocket feed of status events.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	adb "github.com/basiooo/goadb"
	"github.com/gorilla/mux"

	"github.com/Rysertio/screenstreaming/internal/util"
)

// ServiceName identifies this server in health responses.
const ServiceName = "screenstream-server"

// DeviceLister is the adb view the API needs.
type DeviceLister interface {
	Devices() ([]*adb.DeviceInfo, error)
	State(serial string) (adb.DeviceState, error)
}

// Server is the control API server
type Server struct {
	port       int
	httpServer *http.Server
	router     *mux.Router

	manager *Manager
	hub     *EventHub
	devices DeviceLister

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// NewServer creates a control API server. devices may be nil when adb is
// not available.
func NewServer(port int, build ComponentsFunc, devices DeviceLister) *Server {
	hub := NewEventHub()
	s := &Server{
		port:      port,
		router:    mux.NewRouter(),
		manager:   NewManager(build, hub),
		hub:       hub,
		devices:   devices,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler with request logging
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.router)
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.mu.Lock()
	s.startTime = time.Now()
	s.running = true
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no read/write timeouts for long-lived event feeds
	}
	srv := s.httpServer
	s.mu.Unlock()

	util.GetLogger().Info("Control API listening", "port", s.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops every session and shuts the HTTP server down
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.running = false
	s.mu.Unlock()

	s.manager.Close()
	s.hub.Close()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			util.GetLogger().Warn("HTTP server shutdown error", "error", err)
			if err := srv.Close(); err != nil {
				util.GetLogger().Warn("HTTP server force close error", "error", err)
			}
		}
	}

	util.GetLogger().Info("Control API stopped")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the time since the server started
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

func (s *Server) setupRoutes() {
	r := s.router
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{device}", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{device}/start", s.handleSessionStart).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{device}/stop", s.handleSessionStop).Methods(http.MethodPost)
	r.HandleFunc("/ws/sessions/{device}/events", s.handleSessionEvents)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

// Hijack keeps WebSocket upgrades working behind the logger
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		util.GetLogger().Debug("HTTP request", "method", r.Method, "path", r.URL.Path,
			"status", lw.status, "bytes", lw.length, "duration", time.Since(start), "remote", r.RemoteAddr)
	})
}
