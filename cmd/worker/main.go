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
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"outreach/internal/awsutil"
	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/logging"
	"outreach/internal/notify"
	"outreach/internal/observability"
	"outreach/internal/providers/whatsapp"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store/pg"
	"outreach/internal/window"
	workerproc "outreach/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.DispatchQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer[sqsqueue.DispatchJob]{
		SQS: sqsClient, QueueURL: cfg.DispatchQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	wa := &whatsapp.Client{
		AccessToken:   cfg.WAAccessToken,
		PhoneNumberID: cfg.WAPhoneNumberID,
		BaseURL:       cfg.WABaseURL,
		APIVersion:    cfg.WAAPIVersion,
		HTTP:          &http.Client{Timeout: cfg.SendTimeout},
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.WARPSPerPod), cfg.WABurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	var notifier workerproc.Notifier = notify.Log{}
	if cfg.NotifyFailures {
		notifier = &notify.WhatsApp{Sender: wa}
	}

	producer := &sqsqueue.DispatchProducer{SQS: sqsClient, QueueURL: cfg.DispatchQueueURL}
	svc := &dispatch.Service{Store: st, Queue: producer}

	processor := &workerproc.Processor{
		Store:       st,
		Sender:      wa,
		Resolver:    &dispatch.Resolver{Windows: window.NewTracker(st), Catalog: whatsapp.DefaultCatalog()},
		Queue:       producer,
		Notifier:    notifier,
		Spawner:     svc,
		Limiter:     limiter,
		Breaker:     cb,
		MaxAttempts: cfg.MaxAttempts,
		LeaseTTL:    cfg.LeaseTTL,
		SendTimeout: cfg.SendTimeout,
	}

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.DispatchQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, func(ctx context.Context, job sqsqueue.DispatchJob) (err error) {
			start := time.Now()
			defer func() {
				status := "ok"
				if err != nil {
					status = "error"
				}
				slog.Info("worker job finish",
					"message_id", job.MessageID,
					"attempt", job.Attempt,
					"status", status,
					"duration", time.Since(start),
				)
			}()
			return processor.Process(ctx, job)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
