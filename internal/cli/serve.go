package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plasticity/resultsync/internal/api"
	"github.com/plasticity/resultsync/pkg/logger"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API on HOST:PORT until interrupted.

Queued actions left by a previous run are flushed in the background.

Examples:
  RESULTSYNC_STORE=sqlite resultsync serve
  RESULTSYNC_QUEUE=redis REDIS_ADDR=cache:6379 resultsync serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(contextOf(cmd), opts)
		},
	}

	cmd.Flags().DurationVar(&opts.RequestTimeout, "request-timeout", 10*time.Second, "per-request timeout")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 5*time.Second, "graceful shutdown timeout")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()
	log := app.Log

	if err := app.Service.Start(ctx); err != nil {
		log.Warn("Failed to read pending queue", logger.Err(err))
	}

	server := &http.Server{
		Addr:              app.Config.Address(),
		Handler:           api.NewHandler(app.Service, log).Router(opts.RequestTimeout),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", logger.F("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serveErr:
		if err != nil {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "server forced to shutdown", err)
	}
	log.Info("Server exited")
	return nil
}
