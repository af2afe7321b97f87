package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"outreach/internal/awsutil"
	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/httpserver"
	"outreach/internal/logging"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store/pg"
	"outreach/internal/util"
	"outreach/internal/window"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	producer := &sqsqueue.DispatchProducer{SQS: sqsClient, QueueURL: cfg.DispatchQueueURL}

	svc := &dispatch.Service{
		Store: st,
		Queue: producer,
	}

	s := httpserver.New()
	api := &httpserver.API{
		Svc:     svc,
		Windows: window.NewTracker(st),
		IDGen:   util.NewMessageID,
	}
	api.Register(s.Mux)
	s.RegisterHealth(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	})

	handler := httpserver.Recover(httpserver.Logging(httpserver.Metrics(observability.APIRequests)(s.Mux)))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
