package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvake/sesh/internal/devserver"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local in-memory chat backend for development",
	Long: `Run a local in-memory chat backend for development.

The dev server speaks the same wire protocol as the real backend but
holds everything in memory and echoes queries back. Point sesh at it
with SESH_BACKEND_BASE_URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		delay, _ := cmd.Flags().GetDuration("delay")
		return runDevServer(addr, token, delay)
	},
}

func init() {
	devserverCmd.Flags().String("addr", "127.0.0.1:8000", "listen address")
	devserverCmd.Flags().String("token", "", "require this bearer token (default: no auth)")
	devserverCmd.Flags().Duration("delay", 20*time.Millisecond, "pause between streamed chunks")
	rootCmd.AddCommand(devserverCmd)
}

func runDevServer(addr, token string, delay time.Duration) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	dev := devserver.New(
		devserver.WithToken(token),
		devserver.WithLogger(logger),
		devserver.WithStreamDelay(delay),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    addr,
		Handler: dev.Handler(),
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "devserver listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
