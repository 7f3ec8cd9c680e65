package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"checkpoint-forecast/internal/metrics"
	"checkpoint-forecast/internal/ml"
	"checkpoint-forecast/internal/stream"
	"checkpoint-forecast/internal/training"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve predictions, retrain on schedule and ingest the collector stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, settings, metrics.New())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.serve(ctx)
	},
}

// serve runs every background component until ctx ends or one of them fails.
func (a *app) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	metricsServer := newMetricsServer(a.settings.MetricsPort)
	g.Go(func() error { return runServer(ctx, "metrics", metricsServer) })

	modelServer := ml.NewModelServer(a.engine, a.registry, a.store, a.settings.APIPort)
	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- modelServer.Start() }()
		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("model server: %w", err)
		case <-ctx.Done():
			return shutdown("model", modelServer.Shutdown)
		}
	})

	scheduler := training.NewScheduler(a.pipeline, a.settings.TrainOnStart)
	g.Go(func() error { return scheduler.Run(ctx) })

	if a.settings.StreamURL != "" {
		ingestor := stream.NewIngestor(a.settings.StreamURL, a.sink, a.settings.Ping, a.mw)
		g.Go(func() error {
			if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stream ingest: %w", err)
			}
			return nil
		})
	} else {
		log.Info().Msg("STREAM_URL not set, collector stream ingest disabled")
	}

	log.Info().
		Int("metrics_port", a.settings.MetricsPort).
		Int("api_port", a.settings.APIPort).
		Msg("Forecaster running")

	err := g.Wait()
	log.Info().Msg("Forecaster stopped")
	return err
}

func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// runServer serves until ctx ends, then shuts the server down.
func runServer(ctx context.Context, name string, server *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msgf("starting %s server", name)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		return shutdown(name, server.Shutdown)
	}
}

func shutdown(name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Msgf("failed to shutdown %s server", name)
		return err
	}
	return nil
}
