package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidahmann/gatewave/internal/listener"
)

func newListenCmd(app *appContext) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Consume waiver events and publish decision updates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, cleanup, err := buildEngine(ctx, app)
			if err != nil {
				return err
			}
			defer cleanup()

			l, err := listener.New(app.cfg.Listener, engine, app.logger)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, app.logger)
			}

			app.logger.Info("listener starting",
				zap.Strings("brokers", app.cfg.Listener.Brokers),
				zap.String("waiver_topic", app.cfg.Listener.WaiverTopic),
				zap.String("decision_topic", app.cfg.Listener.DecisionTopic))
			err = l.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address (empty to disable)")
	return cmd
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
