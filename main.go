// tek-s3 is a credential-hiding proxy for Steam content distribution:
// registered accounts contribute their licenses to a shared catalog, and
// clients download manifests with request codes proxied through the
// accounts' CM sessions, never seeing a credential.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/k64z/tek-s3/catalog"
	"github.com/k64z/tek-s3/config"
	"github.com/k64z/tek-s3/pool"
	"github.com/k64z/tek-s3/server"
	"github.com/k64z/tek-s3/steamcm"
)

var version = "0.5.0"

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(serviceMain())
}

// run wires the process together and blocks until ctx is cancelled or a
// fatal upstream error fires. notifyReady/notifyStopping report to the
// platform service manager and are no-ops outside one.
func run(ctx context.Context, notifyReady, notifyStopping func()) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfgDir, err := config.Dir()
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	settings, err := config.LoadSettings(filepath.Join(cfgDir, "settings.json"))
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	endpoint, err := config.ParseEndpoint(settings.ListenEndpoint)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	stateDir, err := config.StateDir()
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	store := catalog.NewStore(
		catalog.WithStatePath(filepath.Join(stateDir, "state.json")),
		catalog.WithLogger(logger),
	)
	if err := store.Load(); err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	logger.Info("state loaded", "accounts", store.NumAccounts())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exitCode atomic.Int32
	provider := steamcm.NewProvider(steamcm.WithProviderLogger(logger))
	p := pool.New(store, provider,
		pool.WithLogger(logger),
		pool.WithFatalHandler(func(error) {
			exitCode.Store(1)
			cancel()
		}),
	)
	srv := server.New(store, p, provider,
		server.WithLogger(logger),
		server.WithVersion(version),
	)

	ln, err := server.Listen(endpoint)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	p.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.Info("listening", "network", endpoint.Network, "address", endpoint.Address)
	notifyReady()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			exitCode.Store(1)
		}
	}

	notifyStopping()
	logger.Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	srv.Shutdown(sctx)
	scancel()
	p.Stop()

	return int(exitCode.Load())
}
