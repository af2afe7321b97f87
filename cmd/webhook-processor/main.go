package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"outreach/internal/awsutil"
	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/ingest"
	"outreach/internal/interpret"
	"outreach/internal/logging"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store/pg"
	"outreach/internal/window"
)

func main() {
	cfg := config.LoadWebhookProcessor()
	logging.Init("webhook-processor", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("webhook-processor db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("webhook-processor sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.EventQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer[sqsqueue.Event]{
		SQS: sqsClient, QueueURL: cfg.EventQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	var interpreter interpret.Interpreter = interpret.Noop{}
	if cfg.InterpreterURL != "" {
		interpreter = &interpret.HTTPInterpreter{URL: cfg.InterpreterURL}
	}

	processor := &ingest.Processor{
		Store:   st,
		Windows: window.NewTracker(st),
		Queue:   &sqsqueue.EventProducer{SQS: sqsClient, QueueURL: cfg.EventQueueURL},
		Interpreter: interpreter,
		Creator: &dispatch.Service{
			Store: st,
			Queue: &sqsqueue.DispatchProducer{SQS: sqsClient, QueueURL: cfg.DispatchQueueURL},
		},
		MaxOrphanRetries: cfg.MaxOrphanRetries,
		OrphanRetryDelay: cfg.OrphanRetryDelay,
	}

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("webhook-processor starting poll", "queue_url", cfg.EventQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, ev sqsqueue.Event) error {
			return processor.Process(ctx, ev)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("webhook-processor poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook-processor metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("webhook-processor shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("webhook-processor shutdown timeout waiting for poll loop")
	}
}
