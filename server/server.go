// Package server is tek-s3's HTTP surface: catalog downloads, manifest
// request code proxying, and the interactive sign-in WebSocket bridge.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/k64z/tek-s3/catalog"
	"github.com/k64z/tek-s3/steamcm"
)

// Pool is the part of the session manager the server calls into:
// session lookup for the MRC path and token hand-over from the sign-in
// bridge.
type Pool interface {
	SessionFor(steamID uint64) (steamcm.Session, bool)
	AddSignedIn(token string)
}

// Server serves the catalog, the MRC endpoint, and the sign-in bridge.
type Server struct {
	store    *catalog.Store
	pool     Pool
	provider steamcm.Provider
	logger   *slog.Logger
	version  string
	hostname string

	http    *http.Server
	flights singleflight.Group
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version string shown in sign-in device names.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a Server over the given store, session manager, and CM
// provider.
func New(store *catalog.Store, pool Pool, provider steamcm.Provider, opts ...Option) *Server {
	s := &Server{
		store:    store,
		pool:     pool,
		provider: provider,
		logger:   slog.Default(),
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if name, err := os.Hostname(); err == nil {
		s.hostname = name
	}
	s.http = &http.Server{
		Handler:           http.HandlerFunc(s.route),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Serve accepts connections on ln until Shutdown. It returns
// http.ErrServerClosed on a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.http.Serve(ln)
}

// Shutdown closes the listener and in-flight connections. Sign-in
// sockets and catalog downloads are aborted, not drained.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// deviceName is the friendly name sign-in sessions register in the
// account's authorized-device list.
func (s *Server) deviceName() string {
	return fmt.Sprintf("tek-s3 %s @ %s", s.version, s.hostname)
}

// route dispatches by exact path. Catalog and MRC paths answer 503
// until the initial catalog sweeps finished; the sign-in bridge stays
// reachable during setup so a first account can be added at all.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/signin":
		if s.store.Status() == catalog.StatusStopping {
			writeStatus(w, http.StatusServiceUnavailable)
			return
		}
		s.handleSignIn(w, r)
	case "/manifest", "/manifest-bin", "/mrc":
		if s.store.Status() != catalog.StatusRunning {
			writeStatus(w, http.StatusServiceUnavailable)
			return
		}
		if r.Method != http.MethodGet {
			writeStatus(w, http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/manifest":
			s.handleManifest(w, r, false)
		case "/manifest-bin":
			s.handleManifest(w, r, true)
		case "/mrc":
			s.handleMRC(w, r)
		}
	default:
		writeStatus(w, http.StatusNotFound)
	}
}

// writeStatus answers with the decimal status code as the body.
func writeStatus(w http.ResponseWriter, code int) {
	body := strconv.Itoa(code)
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	io.WriteString(w, body)
}
