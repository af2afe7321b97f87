package dispatch

import (
	"context"
	"log/slog"
	"time"

	"outreach/internal/domain"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store"
	"outreach/internal/util"
)

// Poll bounds: rows older than the grace bound are flagged instead of sent,
// since dispatching a very late message violates caller expectations.
const (
	DefaultGrace     = 10 * time.Minute
	DefaultLookahead = 2 * time.Minute
	DefaultPollLimit = 200

	// DefaultEnqueueStale is how long a SelectDue claim may sit without the
	// message reaching a terminal status before the claim is released. It must
	// exceed the worker's full retry window so live jobs are never reclaimed.
	DefaultEnqueueStale = 15 * time.Minute
)

type Store interface {
	InsertMessage(ctx context.Context, in store.MessageInsert) error
	GetMessage(ctx context.Context, msgID string) (store.OutboundMessage, bool, error)
	CancelMessage(ctx context.Context, msgID string, now time.Time) (bool, error)
	SelectDue(ctx context.Context, now time.Time, grace, lookahead time.Duration, limit int) ([]store.OutboundMessage, error)
	ReleaseEnqueued(ctx context.Context, msgID string, now time.Time) error
	ReclaimUnenqueued(ctx context.Context, now time.Time, stale time.Duration) (int, error)
	FlagOverdue(ctx context.Context, now time.Time, grace time.Duration) ([]store.OutboundMessage, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job sqsqueue.DispatchJob, delay time.Duration) error
}

type Service struct {
	Store Store
	Queue Queue

	Grace        time.Duration
	Lookahead    time.Duration
	PollLimit    int
	EnqueueStale time.Duration
}

func (s *Service) grace() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return DefaultGrace
}

func (s *Service) lookahead() time.Duration {
	if s.Lookahead > 0 {
		return s.Lookahead
	}
	return DefaultLookahead
}

func (s *Service) enqueueStale() time.Duration {
	if s.EnqueueStale > 0 {
		return s.EnqueueStale
	}
	return DefaultEnqueueStale
}

// Create validates the request, persists the message and, for immediate
// sends, enqueues the dispatch job right away. Validation failures create no
// state.
func (s *Service) Create(ctx context.Context, req domain.CreateMessageRequest, msgID string, now time.Time) (domain.CreateMessageResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.CreateMessageResponse{}, err
	}
	req.Recipient = util.NormalizeRecipient(req.Recipient)

	status := domain.StatusPending
	if req.SendMode != domain.SendImmediate {
		status = domain.StatusScheduled
	}

	if err := s.Store.InsertMessage(ctx, store.MessageInsert{
		ID:         msgID,
		Recipient:  req.Recipient,
		SenderID:   req.SenderID,
		Kind:       req.Kind,
		Body:       req.Body,
		SendMode:   req.SendMode,
		TargetTime: req.TargetTime,
		Recurrence: req.Recurrence,
		Status:     status,
		Now:        now,
	}); err != nil {
		return domain.CreateMessageResponse{}, err
	}

	if req.SendMode == domain.SendImmediate {
		if err := s.Queue.Enqueue(ctx, sqsqueue.DispatchJob{MessageID: msgID}, 0); err != nil {
			observability.Enqueues.WithLabelValues("error").Inc()
			return domain.CreateMessageResponse{}, err
		}
		observability.Enqueues.WithLabelValues("ok").Inc()
	}

	return domain.CreateMessageResponse{MessageID: msgID, Status: string(status)}, nil
}

// Cancel is permitted only while the message is pending or scheduled and no
// worker holds the dispatch lease. A cancel racing an in-flight send loses
// and reports the conflict.
func (s *Service) Cancel(ctx context.Context, msgID string, now time.Time) error {
	ok, err := s.Store.CancelMessage(ctx, msgID, now)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, found, err := s.Store.GetMessage(ctx, msgID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}
	return domain.ErrNotCancelable
}

func (s *Service) Get(ctx context.Context, msgID string) (store.OutboundMessage, bool, error) {
	return s.Store.GetMessage(ctx, msgID)
}

// PollDue claims scheduled messages due within [now-grace, now+lookahead]
// and enqueues a dispatch job for each. Rows that slipped past the grace
// bound are flagged for manual handling, never silently dropped and never
// dispatched late. Returns the number of jobs enqueued.
func (s *Service) PollDue(ctx context.Context, now time.Time) (int, error) {
	limit := s.PollLimit
	if limit <= 0 {
		limit = DefaultPollLimit
	}

	// Claims whose job never ran to completion (scheduler crash after the
	// claim, lost queue send) are released so the rows become pollable again.
	reclaimed, err := s.Store.ReclaimUnenqueued(ctx, now, s.enqueueStale())
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		slog.Warn("released stale dispatch claims", "count", reclaimed)
	}

	overdue, err := s.Store.FlagOverdue(ctx, now, s.grace())
	if err != nil {
		return 0, err
	}
	for _, m := range overdue {
		observability.Overdue.Inc()
		slog.Warn("scheduled message past grace bound, needs manual handling",
			"message_id", m.ID,
			"recipient", m.Recipient,
			"target_time", m.TargetTime,
		)
	}

	due, err := s.Store.SelectDue(ctx, now, s.grace(), s.lookahead(), limit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, m := range due {
		if err := s.Queue.Enqueue(ctx, sqsqueue.DispatchJob{MessageID: m.ID}, 0); err != nil {
			observability.Enqueues.WithLabelValues("error").Inc()
			slog.Error("enqueue due message failed", "err", err, "message_id", m.ID)
			// Hand the row back; SelectDue claimed it in the same cycle.
			if relErr := s.Store.ReleaseEnqueued(ctx, m.ID, now); relErr != nil {
				slog.Error("release claim after enqueue failure", "err", relErr, "message_id", m.ID)
			}
			continue
		}
		observability.Enqueues.WithLabelValues("ok").Inc()
		enqueued++
	}
	return enqueued, nil
}

// SpawnSuccessor creates the next occurrence of a recurring message after a
// successful dispatch. The new target is computed from the original target
// plus the interval, not from the send time, so jitter never drifts the
// cadence. Exactly one successor per dispatch; the sent row is never reused.
func (s *Service) SpawnSuccessor(ctx context.Context, m store.OutboundMessage, now time.Time) (string, error) {
	if m.SendMode != domain.SendRecurring || m.Recurrence == nil || m.TargetTime == nil {
		return "", nil
	}
	next, err := m.Recurrence.Next(*m.TargetTime)
	if err != nil {
		return "", err
	}
	id := util.NewMessageID()
	if err := s.Store.InsertMessage(ctx, store.MessageInsert{
		ID:         id,
		Recipient:  m.Recipient,
		SenderID:   m.SenderID,
		Kind:       m.Kind,
		Body:       m.Body,
		SendMode:   domain.SendRecurring,
		TargetTime: &next,
		Recurrence: m.Recurrence,
		Status:     domain.StatusScheduled,
		Now:        now,
	}); err != nil {
		return "", err
	}
	return id, nil
}
