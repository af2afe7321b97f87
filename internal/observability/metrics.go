package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_enqueue_total", Help: "Dispatch-queue enqueue results"},
		[]string{"result"},
	)
	WASend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_send_total", Help: "WhatsApp send outcomes"},
		[]string{"result", "http_status"},
	)
	WASendMode = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_send_mode_total", Help: "Resolved send modes"},
		[]string{"mode"},
	)
	WALatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wa_send_latency_seconds", Help: "WhatsApp send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wa_webhook_events_total", Help: "Webhook events by kind"},
		[]string{"kind"},
	)
	DuplicateEvents = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outreach_duplicate_events_total", Help: "Deduplicated webhook events"},
	)
	WindowsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_windows_opened_total", Help: "Conversation windows opened"},
		[]string{"origin"},
	)
	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outreach_retries_total", Help: "Transient-failure retries scheduled"},
	)
	Overdue = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outreach_overdue_total", Help: "Scheduled messages past the grace bound"},
	)
	OrphanStatuses = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "outreach_orphan_statuses_total", Help: "Status events abandoned after bounded retries"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, WASend, WASendMode, WALatency,
		WebhookEvents, DuplicateEvents, WindowsOpened, Retries, Overdue, OrphanStatuses)
}
