// Package server exposes the HTTP trigger: GET|POST /run starts a monitor
// run and returns its JSON report; /healthz reports liveness.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"tgrelay/internal/config"
	"tgrelay/internal/monitor"
	logx "tgrelay/pkg/logx"
)

// RunFunc performs one run. It returns monitor.ErrRunInProgress when a run is
// already active and an error wrapping config.ErrInvalid when the
// configuration cannot be used.
type RunFunc func(ctx context.Context) (monitor.Report, error)

// HealthFunc returns the body of /healthz.
type HealthFunc func() any

type Config struct {
	Addr  string
	Token string // optional bearer token
}

// Server manages the listener lifecycle.
type Server struct {
	mu    sync.Mutex
	srv   *http.Server
	ln    net.Listener
	addr  string
	token string

	run    RunFunc
	health HealthFunc
	log    logx.Logger
	now    func() time.Time
}

func New(run RunFunc, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{run: run, health: health, log: log.With(logx.String("comp", "http")), now: time.Now}
}

// Handler returns the routes. The token is read per request so Apply can
// rotate it without restarting the listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Apply starts the listener or restarts it when the address changed.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(cfg.Token)
	if s.srv != nil && s.addr == cfg.Addr {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg.Addr)
}

func (s *Server) startLocked(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.srv, s.ln, s.addr = srv, ln, addr

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", ln.Addr().String()), logx.Err(err))
		}
	}()
	s.log.Info("http trigger listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.token != ""))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
	}
}

// Addr reports the actual listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	start := s.now()
	rep, err := s.safeRun(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		s.log.Info("run served", logx.String("remote", r.RemoteAddr), logx.Duration("took", s.now().Sub(start)))
		writeJSON(w, http.StatusOK, rep)
	case errors.Is(err, monitor.ErrRunInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, config.ErrInvalid):
		s.log.Error("run rejected: configuration invalid", logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.log.Error("run failed", logx.Err(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) safeRun(ctx context.Context) (rep monitor.Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run panicked: %v", p)
		}
	}()
	if s.run == nil {
		return monitor.Report{}, errors.New("no runner configured")
	}
	return s.run(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var body any = map[string]string{"status": "ok"}
	if s.health != nil {
		body = s.health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, monitor.NewErrorReport(code, msg, s.now()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
