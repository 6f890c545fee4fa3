package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szibis/profile-governor/internal/logging"
	tlspkg "github.com/szibis/profile-governor/internal/tls"
)

// Routes are the optional read-only views mounted next to the probes.
type Routes struct {
	// Status returns the full engine status document for /status.
	Status func() any
	// Decisions returns the decision history for /decisions.
	Decisions func() any
	// Events returns recently recorded events for /events.
	Events func() any
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Protect wraps /metrics and the views. Probes stay open.
	Protect func(http.Handler) http.Handler
}

// Handler builds the HTTP mux.
func Handler(c *Checker, routes Routes) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", c.HealthHandler())
	mux.HandleFunc("GET /live", c.LiveHandler())
	mux.HandleFunc("GET /ready", c.ReadyHandler())

	protect := routes.Protect
	if protect == nil {
		protect = func(h http.Handler) http.Handler { return h }
	}
	g := routes.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", protect(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	view := func(path string, fn func() any) {
		if fn == nil {
			return
		}
		mux.Handle("GET "+path, protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, fn())
		})))
	}
	view("/status", routes.Status)
	view("/decisions", routes.Decisions)
	view("/events", routes.Events)
	return mux
}

// Server is the health HTTP server.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer binds addr. Binding happens here so configuration errors surface
// before any loop starts.
func NewServer(addr string, h http.Handler, tlsCfg tlspkg.ServerConfig) (*Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if tlsCfg.Enabled {
		tc, err := tlspkg.NewServerTLSConfig(tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("health server TLS: %w", err)
		}
		srv.TLSConfig = tc
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health server listen %s: %w", addr, err)
	}
	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// URL returns the base URL of the server.
func (s *Server) URL() string {
	scheme := "http"
	if s.srv.TLSConfig != nil {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return scheme + "://" + s.Addr()
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		logging.Info("health server started", logging.F(
			"component", "health",
			"addr", s.Addr(),
			"tls", s.srv.TLSConfig != nil,
		))
		var err error
		if s.srv.TLSConfig != nil {
			err = s.srv.ServeTLS(s.ln, "", "")
		} else {
			err = s.srv.Serve(s.ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("health server error", logging.F("component", "health", "error", err.Error()))
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	// Serve closes the listener; this covers a server that never started.
	_ = s.ln.Close()
	return err
}
