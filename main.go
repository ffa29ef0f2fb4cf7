package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dselans/songsync/api"
	"github.com/dselans/songsync/config"
	"github.com/dselans/songsync/deps"
	"github.com/dselans/songsync/services/reconcile"
	"github.com/dselans/songsync/validate"
)

const (
	ExitOK    = 0
	ExitError = 1
	ExitAbort = 130

	publisherDrainTimeout = 10 * time.Second
)

var (
	version = "v0.0.0"
)

func main() {
	cfg := config.New(version)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("unable to validate config: %s", err)
	}

	if flags := cfg.Job(); flags != nil {
		if err := validate.JobFlags(flags); err != nil {
			log.Fatalf("invalid job flags: %s", err)
		}
	}

	d, err := deps.New(cfg)
	if err != nil {
		log.Fatalf("Could not setup dependencies: %s", err)
	}

	os.Exit(run(cfg, d))
}

func run(cfg *config.Config, d *deps.Dependencies) int {
	logger := d.Log.With(zap.String("method", "run"), zap.String("command", cfg.Command()))
	defer d.Close()

	ctx, stop := signal.NotifyContext(d.ShutdownCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.APIListenAddress != "" {
		a, err := api.New(cfg, d, version)
		if err != nil {
			logger.Error("unable to create API instance", zap.Error(err))
			return ExitError
		}

		// The API only reports on the job; its failure never stops the job
		go func() {
			if err := a.Run(); err != nil {
				logger.Error("API server run() failed", zap.Error(err))
			}
		}()
	}

	logger.Debug("Running command", zap.Any("config", cfg.GetMap()))

	cmdErr := runCommand(ctx, cfg, d)

	shutdown(d)

	switch {
	case cmdErr == nil:
		return ExitOK
	case errors.Is(cmdErr, reconcile.ErrOperatorAbort), errors.Is(cmdErr, context.Canceled):
		fmt.Fprintln(os.Stderr, "aborted")
		return ExitAbort
	default:
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", cfg.Command(), cmdErr)
		return ExitError
	}
}

// shutdown lets the publisher drain committed events, then stops every
// service listening on the shared shutdown context.
func shutdown(d *deps.Dependencies) {
	if d.PublisherService != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publisherDrainTimeout)
		defer cancel()

		if err := d.PublisherService.Wait(ctx); err != nil {
			d.Log.Warn("publisher did not drain in time", zap.Error(err))
		}
	}

	d.ShutdownCancel()

	if d.PublisherService == nil {
		return
	}

	select {
	case <-d.PublisherShutdownDoneCh:
	case <-time.After(publisherDrainTimeout):
		d.Log.Warn("timed out waiting for publisher shutdown")
	}
}
