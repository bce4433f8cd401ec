// Package lifecycle runs a long-lived service until the process receives a
// termination signal, then shuts it down with a bounded grace period.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doorctl/fleetd/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// Service is anything with a blocking-free Start and an idempotent Stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Run starts the service and blocks until the context is canceled or the
// process receives SIGINT or SIGTERM. Stop always runs, with its own
// timeout, so a hung shutdown cannot keep the process alive.
func Run(ctx context.Context, svc Service, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return svc.Stop(shutdownCtx)
}
