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
	"outreach/internal/httpserver"
	"outreach/internal/logging"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("webhook sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	s := httpserver.New()
	wh := &httpserver.Webhook{
		Queue:       &sqsqueue.EventProducer{SQS: sqsClient, QueueURL: cfg.EventQueueURL},
		AppSecret:   cfg.WAAppSecret,
		VerifyToken: cfg.WAVerifyToken,
	}
	wh.Register(s.Mux)
	s.RegisterHealth(2 * time.Second)

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
			slog.Error("webhook metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
}
