package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/peerdrop/internal/auth"
	"github.com/Tyrowin/peerdrop/internal/directory"
	"github.com/Tyrowin/peerdrop/internal/server"
)

func main() {
	flags := pflag.NewFlagSet("peerdrop-server", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file; environment variables override it")
	_ = flags.Parse(os.Args[1:])

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	server.SetConfig(cfg)

	logger := server.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting PeerDrop relay")

	store, err := directory.Open(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open user directory", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}

	tokens := auth.NewTokenManager(auth.TokenConfig{
		SecretKey: cfg.Auth.Secret,
		Issuer:    cfg.Auth.Issuer,
		TTL:       cfg.Auth.TokenTTL,
	})

	hub := server.NewHub(logger)
	relay := server.NewRelay(hub, store, logger)
	handler := server.NewHandler(hub, relay, tokens, store, logger)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handler))

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"peerdrop": func(ctx context.Context) error {
				return shutdown(ctx, httpServer, hub, relay, store)
			},
		},
	)

	go func() {
		<-gctx.Done()
		if err := g.Wait(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(abort(cfg.ShutdownTimeout, httpServer, hub, relay, store, logger))
		}
	}()

	exitCode := <-wait
	logger.Info("PeerDrop relay exited", "code", exitCode)
	os.Exit(exitCode)
}

// abort runs the shutdown sequence after the HTTP server failed on its own
// and returns the process exit code.
func abort(timeout time.Duration, httpServer *http.Server, hub *server.Hub, relay *server.Relay, store *directory.Store, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := shutdown(ctx, httpServer, hub, relay, store); err != nil {
		logger.Error("cleanup after server error failed", "error", err)
	}
	return 1
}

// shutdown stops intake first, then drains sessions and pending transfer
// records before closing the database.
func shutdown(ctx context.Context, httpServer *http.Server, hub *server.Hub, relay *server.Relay, store *directory.Store) error {
	var errs []error
	if err := server.ShutdownServer(ctx, httpServer); err != nil {
		errs = append(errs, err)
	}
	if err := hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if err := relay.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("transfer records: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}
