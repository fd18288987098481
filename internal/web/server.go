// Package web serves a read-only view of the supervisor, health and
// backend output over HTTP and SSE.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dpolaris/polaris/internal/logbuf"
)

// Config holds the status server's dependencies. Supervisor may be nil.
type Config struct {
	Addr       string
	Supervisor SupervisorView
	Health     HealthView
	Output     *logbuf.Buffer
	Logger     *zap.Logger
}

// Server is the status server.
type Server struct {
	addr   string
	cfg    Config
	hub    *Hub
	logger *zap.Logger

	httpServer   *http.Server
	httpListener net.Listener

	stopBridge context.CancelFunc
	bridgeWG   sync.WaitGroup
}

// New builds the router. Does not start anything - call Start() for that.
func New(cfg Config) (*Server, error) {
	if cfg.Health == nil {
		return nil, errors.New("web: health view is required")
	}
	if cfg.Output == nil {
		return nil, errors.New("web: output buffer is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8421"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hub := NewHub()
	s := &Server{
		addr:   cfg.Addr,
		cfg:    cfg,
		hub:    hub,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", HealthzHandler)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", StateHandler(s.cfg.Supervisor, s.cfg.Health))
		r.Get("/output", OutputHandler(s.cfg.Output))
		r.Get("/events", EventsHandler(s.hub, s.logger))
	})
	return r
}

// Start listens and serves in the background, and begins forwarding
// state changes to SSE clients.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("HTTP listen: %w", err)
	}
	s.httpListener = listener
	// actual address, for ephemeral ports
	s.addr = listener.Addr().String()

	go s.hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	s.stopBridge = cancel
	s.startBridge(ctx)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("status server listening", zap.String("addr", s.addr))
	return nil
}

// Stop closes SSE streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopBridge != nil {
		s.stopBridge()
		s.bridgeWG.Wait()
	}
	s.hub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Hub exposes the SSE hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// startBridge forwards output lines and state changes into the hub.
func (s *Server) startBridge(ctx context.Context) {
	lines, cancelLines := s.cfg.Output.Subscribe(256)
	forward(ctx, &s.bridgeWG, s.hub, EventOutput, lines, cancelLines)

	hs, cancelHealth := s.cfg.Health.Subscribe()
	forward(ctx, &s.bridgeWG, s.hub, EventHealth, hs, cancelHealth)

	if s.cfg.Supervisor != nil {
		ss, cancelSup := s.cfg.Supervisor.Subscribe()
		forward(ctx, &s.bridgeWG, s.hub, EventSupervisor, ss, cancelSup)
	}
}

func forward[T any](ctx context.Context, wg *sync.WaitGroup, hub *Hub, eventType string, ch <-chan T, cancel func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				hub.Broadcast(&Event{Type: eventType, Time: time.Now(), Data: v})
			}
		}
	}()
}
