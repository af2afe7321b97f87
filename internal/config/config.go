package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBMaxConns int32 `envconfig:"DB_MAX_CONNS" default:"10"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type SchedulerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBMaxConns int32 `envconfig:"DB_MAX_CONNS" default:"5"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	PollInterval  time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
	PollLimit     int           `envconfig:"POLL_LIMIT" default:"200"`
	OverdueGrace  time.Duration `envconfig:"OVERDUE_GRACE" default:"10m"`
	PollLookahead time.Duration `envconfig:"POLL_LOOKAHEAD" default:"2m"`
}

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBMaxConns int32 `envconfig:"DB_MAX_CONNS" default:"10"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// WhatsApp Cloud API
	WAAccessToken   string  `envconfig:"WA_ACCESS_TOKEN" required:"true"`
	WAPhoneNumberID string  `envconfig:"WA_PHONE_NUMBER_ID" required:"true"`
	WABaseURL       string  `envconfig:"WA_BASE_URL" default:"https://graph.facebook.com"`
	WAAPIVersion    string  `envconfig:"WA_API_VERSION" default:"v22.0"`
	WARPSPerPod     float64 `envconfig:"WA_RPS_PER_POD" default:"5"`
	WABurst         int     `envconfig:"WA_BURST" default:"10"`

	// Delivery retries
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	LeaseTTL    time.Duration `envconfig:"LEASE_TTL" default:"2m"`

	// Failure notices back to the owning account
	NotifyFailures bool `envconfig:"NOTIFY_FAILURES" default:"true"`
}

type WebhookConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Webhook verification
	WAAppSecret   string `envconfig:"WA_APP_SECRET" required:"true"`
	WAVerifyToken string `envconfig:"WA_VERIFY_TOKEN" required:"true"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	EventQueueURL      string `envconfig:"EVENT_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WebhookProcessorConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBMaxConns int32 `envconfig:"DB_MAX_CONNS" default:"10"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	EventQueueURL      string `envconfig:"EVENT_QUEUE_URL" required:"true"`
	DispatchQueueURL   string `envconfig:"DISPATCH_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"20"`

	// Orphan status retries
	MaxOrphanRetries int           `envconfig:"MAX_ORPHAN_RETRIES" default:"5"`
	OrphanRetryDelay time.Duration `envconfig:"ORPHAN_RETRY_DELAY" default:"30s"`

	// Command interpretation collaborator, optional
	InterpreterURL string `envconfig:"INTERPRETER_URL"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadScheduler() SchedulerConfig {
	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
