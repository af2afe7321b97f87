package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"outreach/internal/dispatch"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/providers/whatsapp"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store"
	"outreach/internal/util"
)

const (
	// DefaultMaxAttempts bounds total sends per message; a message that is
	// transient every time goes terminal after exactly this many attempts.
	DefaultMaxAttempts = 3
	// DefaultLeaseTTL covers one attempt; a lease older than this belongs to
	// a crashed worker and may be reclaimed.
	DefaultLeaseTTL = 2 * time.Minute
	// DefaultSendTimeout bounds each outbound call.
	DefaultSendTimeout = 30 * time.Second
)

// DefaultBackoff is the delay before retry n (0-based).
var DefaultBackoff = []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second}

type Store interface {
	GetMessage(ctx context.Context, msgID string) (store.OutboundMessage, bool, error)
	ClaimForDispatch(ctx context.Context, msgID string, now time.Time, leaseTTL time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, msgID string, now time.Time) error
	MarkTerminal(ctx context.Context, msgID string, status domain.MessageStatus, lastError string, now time.Time) (bool, error)
	InsertAttempt(ctx context.Context, in store.AttemptInsert) error
	SeedDeliveryStatus(ctx context.Context, providerMsgID, messageID string, now time.Time) error
}

type Sender interface {
	SendTemplate(ctx context.Context, req whatsapp.TemplateSend) (whatsapp.SendResponse, int, []byte, error)
	SendText(ctx context.Context, req whatsapp.TextSend) (whatsapp.SendResponse, int, []byte, error)
}

// Notifier tells the owning account why a message terminally failed. Called
// at most once per message; the exactly-once guarantee rides on the terminal
// state transition, not on the notifier.
type Notifier interface {
	NotifyFailure(ctx context.Context, senderID, messageID, reason string) error
}

// Spawner creates the successor occurrence of a recurring message.
type Spawner interface {
	SpawnSuccessor(ctx context.Context, m store.OutboundMessage, now time.Time) (string, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error
}

type Processor struct {
	Store    Store
	Sender   Sender
	Resolver *dispatch.Resolver
	Queue    Queue
	Notifier Notifier
	Spawner  Spawner
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker

	MaxAttempts int
	Backoff     []time.Duration
	LeaseTTL    time.Duration
	SendTimeout time.Duration
	Now         func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

func (p *Processor) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (p *Processor) backoff(attempt int) time.Duration {
	sched := p.Backoff
	if len(sched) == 0 {
		sched = DefaultBackoff
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(sched) {
		return sched[len(sched)-1]
	}
	return sched[attempt]
}

// Process performs one delivery attempt for the job's message. Retries are
// delayed re-enqueues on the same queue, never in-worker sleeps.
func (p *Processor) Process(ctx context.Context, job sqsqueue.DispatchJob) error {
	m, found, err := p.Store.GetMessage(ctx, job.MessageID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("dispatch job for unknown message", "message_id", job.MessageID)
		return nil
	}

	// Idempotent consumer: a terminal message means this job is a duplicate
	// or arrived after a cancel.
	if m.Status.Terminal() {
		return nil
	}

	now := p.now()
	leaseTTL := p.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	claimed, err := p.Store.ClaimForDispatch(ctx, m.ID, now, leaseTTL)
	if err != nil {
		return err
	}
	if !claimed {
		// Another attempt holds the lease. Let SQS redeliver after the
		// visibility timeout; by then the lease is resolved or stale.
		return domain.ErrAttemptInFlight
	}

	resolved, err := p.Resolver.Resolve(ctx, m)
	if err != nil {
		_ = p.Store.ReleaseLease(ctx, m.ID, p.now())
		return err
	}

	if p.Limiter != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		werr := p.Limiter.Wait(waitCtx)
		cancelWait()
		if werr != nil {
			// Could not acquire a token in time; leave the job for redrive.
			observability.WASend.WithLabelValues("rate_limited_local", "0").Inc()
			_ = p.Store.ReleaseLease(ctx, m.ID, p.now())
			return werr
		}
	}

	start := time.Now()
	resAny, err := p.executeWithBreaker(ctx, resolved, m.Recipient)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Provider protection tripped. Not an attempt, does not consume the
		// retry budget.
		observability.WASend.WithLabelValues("cb_open", "0").Inc()
		_ = p.Store.ReleaseLease(ctx, m.ID, p.now())
		return err
	}

	if err == nil {
		res := resAny.(sendResult)
		observability.WASend.WithLabelValues("ok", strconv.Itoa(res.httpStatus)).Inc()
		observability.WALatency.Observe(time.Since(start).Seconds())
		return p.acknowledge(ctx, m, job, res.resp.ProviderMsgID())
	}

	httpStatus := 0
	var ce callError
	if errors.As(err, &ce) {
		httpStatus = ce.httpStatus
	}
	observability.WASend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

	if whatsapp.Transient(err, httpStatus) {
		return p.retryOrFail(ctx, m, job, err)
	}
	return p.reject(ctx, m, job, err)
}

func (p *Processor) acknowledge(ctx context.Context, m store.OutboundMessage, job sqsqueue.DispatchJob, providerMsgID string) error {
	now := p.now()
	if err := p.Store.InsertAttempt(ctx, store.AttemptInsert{
		ID:            util.NewAttemptID(),
		MessageID:     m.ID,
		AttemptNo:     job.Attempt + 1,
		ProviderMsgID: providerMsgID,
		Outcome:       domain.OutcomeAcknowledged,
		Now:           now,
	}); err != nil {
		return err
	}

	// Seed the delivery record before flipping the message terminal so a
	// racing status webhook finds something to correlate against.
	if providerMsgID != "" {
		if err := p.Store.SeedDeliveryStatus(ctx, providerMsgID, m.ID, now); err != nil {
			return err
		}
	}

	transitioned, err := p.Store.MarkTerminal(ctx, m.ID, domain.StatusSent, "", now)
	if err != nil {
		return err
	}
	if !transitioned {
		// Someone else reached a terminal status first, for example a cancel
		// that landed after the lease expired. No successor for this row.
		slog.Warn("terminal transition lost after send", "message_id", m.ID)
		return nil
	}

	if m.SendMode == domain.SendRecurring && p.Spawner != nil {
		succID, err := p.Spawner.SpawnSuccessor(ctx, m, now)
		if err != nil {
			// The send itself succeeded; log and let operators reschedule.
			slog.Error("spawn recurring successor failed", "err", err, "message_id", m.ID)
		} else if succID != "" {
			slog.Info("recurring successor scheduled", "message_id", m.ID, "successor_id", succID)
		}
	}
	return nil
}

func (p *Processor) reject(ctx context.Context, m store.OutboundMessage, job sqsqueue.DispatchJob, sendErr error) error {
	now := p.now()
	if err := p.Store.InsertAttempt(ctx, store.AttemptInsert{
		ID:        util.NewAttemptID(),
		MessageID: m.ID,
		AttemptNo: job.Attempt + 1,
		Outcome:   domain.OutcomeRejected,
		ErrorText: sendErr.Error(),
		Now:       now,
	}); err != nil {
		return err
	}

	transitioned, err := p.Store.MarkTerminal(ctx, m.ID, domain.StatusFailed, sendErr.Error(), now)
	if err != nil {
		return err
	}
	if transitioned {
		p.notifyFailure(ctx, m, sendErr.Error())
	}
	return nil
}

func (p *Processor) retryOrFail(ctx context.Context, m store.OutboundMessage, job sqsqueue.DispatchJob, sendErr error) error {
	now := p.now()
	if err := p.Store.InsertAttempt(ctx, store.AttemptInsert{
		ID:        util.NewAttemptID(),
		MessageID: m.ID,
		AttemptNo: job.Attempt + 1,
		Outcome:   domain.OutcomeTransient,
		ErrorText: sendErr.Error(),
		Now:       now,
	}); err != nil {
		return err
	}

	if job.Attempt+1 < p.maxAttempts() {
		if err := p.Store.ReleaseLease(ctx, m.ID, now); err != nil {
			return err
		}
		next := sqsqueue.DispatchJob{MessageID: m.ID, Attempt: job.Attempt + 1}
		delay := p.backoff(job.Attempt)
		if err := p.Queue.Enqueue(ctx, next, delay); err != nil {
			return err
		}
		observability.Retries.Inc()
		slog.Info("transient send failure, retry scheduled",
			"message_id", m.ID,
			"attempt", job.Attempt+1,
			"delay", delay,
			"err", sendErr,
		)
		return nil
	}

	transitioned, err := p.Store.MarkTerminal(ctx, m.ID, domain.StatusFailed, "retries exhausted: "+sendErr.Error(), now)
	if err != nil {
		return err
	}
	if transitioned {
		p.notifyFailure(ctx, m, "retries exhausted")
	}
	return nil
}

func (p *Processor) notifyFailure(ctx context.Context, m store.OutboundMessage, reason string) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.NotifyFailure(ctx, m.SenderID, m.ID, reason); err != nil {
		slog.Error("failure notification failed", "err", err, "message_id", m.ID)
	}
}

func (p *Processor) executeWithBreaker(ctx context.Context, resolved dispatch.Resolved, to string) (any, error) {
	call := func() (any, error) {
		timeout := p.SendTimeout
		if timeout <= 0 {
			timeout = DefaultSendTimeout
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var (
			resp       whatsapp.SendResponse
			httpStatus int
			callErr    error
		)
		if resolved.Kind == dispatch.ResolvedFreeForm {
			resp, httpStatus, _, callErr = p.Sender.SendText(reqCtx, whatsapp.TextSend{To: to, Body: resolved.Body})
		} else {
			resp, httpStatus, _, callErr = p.Sender.SendTemplate(reqCtx, whatsapp.TemplateSend{
				To:           to,
				TemplateName: resolved.Template.Name,
				LanguageCode: resolved.Template.LanguageCode,
			})
		}
		if callErr != nil {
			return nil, callError{err: callErr, httpStatus: httpStatus}
		}
		return sendResult{resp: resp, httpStatus: httpStatus}, nil
	}

	if p.Breaker == nil {
		return call()
	}
	return p.Breaker.Execute(call)
}

type sendResult struct {
	resp       whatsapp.SendResponse
	httpStatus int
}

type callError struct {
	err        error
	httpStatus int
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }
