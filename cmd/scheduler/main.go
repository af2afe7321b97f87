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
	"outreach/internal/logging"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store/pg"
	"outreach/internal/util"
)

func main() {
	cfg := config.LoadScheduler()
	logging.Init("scheduler", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("scheduler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("scheduler sqs client init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	svc := &dispatch.Service{
		Store:     pg.New(db),
		Queue:     &sqsqueue.DispatchProducer{SQS: sqsClient, QueueURL: cfg.DispatchQueueURL},
		Grace:     cfg.OverdueGrace,
		Lookahead: cfg.PollLookahead,
		PollLimit: cfg.PollLimit,
	}

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("scheduler metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("scheduler started", "interval", cfg.PollInterval)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := svc.PollDue(ctx, util.NowUTC())
			if err != nil {
				slog.Error("poll due failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("due messages enqueued", "count", n)
			}
		case sig := <-sigCh:
			slog.Info("scheduler shutdown", "signal", sig.String())
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsSrv.Shutdown(shutdownCtx)
			shutdownCancel()
			return
		}
	}
}
