// Package server accepts websocket connections and hands each one to
// a session actor. It also exposes the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/bobs4462/validator-offload/internal/metrics"
	"github.com/bobs4462/validator-offload/internal/session"
)

type Config struct {
	Listen         string
	MaxConnections int
	SessionBuffer  int
}

type Server struct {
	cfg     Config
	router  session.Router
	metrics *metrics.Metrics
	log     zerolog.Logger

	listener net.Listener
	http     *http.Server

	// sem caps live sessions; a slot is held from upgrade to session
	// exit.
	sem      chan struct{}
	sessions sync.WaitGroup
	draining atomic.Bool

	start    time.Time
	proc     *process.Process
	memLimit uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, r session.Router, m *metrics.Metrics, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	// proc stays nil on platforms where the pid cannot be inspected;
	// the health endpoint then reports zero CPU.
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Server{
		cfg:      cfg,
		router:   r,
		metrics:  m,
		log:      log.With().Str("component", "server").Logger(),
		sem:      make(chan struct{}, cfg.MaxConnections),
		start:    time.Now(),
		proc:     proc,
		memLimit: memoryLimit(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnect)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	s.http = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("serve failed")
		}
	}()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("listening")
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.log.Debug().Str("remote", r.RemoteAddr).Msg("connection rejected, at capacity")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := session.New(conn, s.router, s.metrics, s.log, s.cfg.SessionBuffer)
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		defer func() { <-s.sem }()
		// A panicking session must not take the whole gateway down.
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("session panicked")
			}
		}()
		sess.Run(s.ctx)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	status := "ok"
	code := http.StatusOK
	if s.draining.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}

	var cpuPercent float64
	if s.proc != nil {
		if pct, err := s.proc.Percent(0); err == nil {
			cpuPercent = pct
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          status,
		"uptime_s":        int64(time.Since(s.start).Seconds()),
		"connections":     len(s.sem),
		"max_connections": s.cfg.MaxConnections,
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPercent,
		"mem_alloc_bytes": ms.Alloc,
		"mem_limit_bytes": s.memLimit,
		"slot":            s.metrics.SlotValue(),
	})
}

// Shutdown stops accepting connections, then gives live sessions the
// grace period to finish before cancelling them.
func (s *Server) Shutdown(grace time.Duration) error {
	s.draining.Store(true)
	s.log.Info().Int("sessions", len(s.sem)).Msg("draining connections")

	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(httpCtx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("all sessions drained")
	case <-time.After(grace):
		s.log.Warn().Msg("grace period expired, closing remaining sessions")
		s.cancel()
		<-done
	}
	s.cancel()
	return nil
}
