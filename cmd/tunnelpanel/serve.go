package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/tunnelpanel"
)

const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, configPath string, flags *ServeFlags, out io.Writer) error {
	cfg, err := tunnelpanel.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	panel, err := tunnelpanel.New(cfg)
	if err != nil {
		return err
	}
	srv := panel.NewHTTPServer()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(out, "Starting tunnelpanel HTTP server on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		_, _ = fmt.Fprintln(out, "Shutting down...")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	// Closing the panel stops the tunnel and ends open event streams, so
	// Shutdown below is not held up by them.
	if err := panel.Close(); err != nil {
		slog.Warn("panel close", "error", err)
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(serveErr, err)
	}
	return serveErr
}
