// Package ingest processes webhook events pulled off the event queue:
// inbound user messages open conversation windows, status events advance
// the per-provider-message delivery record. Every event is deduplicated
// through a persistent ledger before any side effect runs.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"outreach/internal/domain"
	"outreach/internal/interpret"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/store"
	pgstore "outreach/internal/store/pg"
	"outreach/internal/util"
	"outreach/internal/window"
)

const (
	// DefaultMaxOrphanRetries bounds redelivery of a status event whose
	// provider message id is not known yet (the webhook raced the worker's
	// acknowledgement write).
	DefaultMaxOrphanRetries = 5
	DefaultOrphanRetryDelay = 30 * time.Second
)

type Store interface {
	RecordEvent(ctx context.Context, dedupKey, kind string, payload []byte, now time.Time) (pgstore.EventDisposition, error)
	MarkEventProcessed(ctx context.Context, dedupKey string) error
	IncrementOrphanRetry(ctx context.Context, dedupKey string) (int, error)
	InsertInboundMessage(ctx context.Context, in store.InboundMessageInsert) error
	ApplyDeliveryState(ctx context.Context, providerMsgID string, state domain.DeliveryState, now time.Time) (found, advanced bool, err error)
}

type Windows interface {
	OpenOrRenew(ctx context.Context, recipient string, origin domain.WindowOrigin, windowID string, expiresAt time.Time) (store.ConversationWindow, error)
	OpenOrRenewFor(ctx context.Context, recipient string, origin domain.WindowOrigin, windowID string, ttl time.Duration) (store.ConversationWindow, error)
}

type Queue interface {
	EnqueueDelayed(ctx context.Context, ev sqsqueue.Event, delay time.Duration) error
}

// Creator schedules outbound messages on behalf of interpreted commands.
type Creator interface {
	Create(ctx context.Context, req domain.CreateMessageRequest, msgID string, now time.Time) (domain.CreateMessageResponse, error)
}

type Processor struct {
	Store       Store
	Windows     Windows
	Queue       Queue
	Interpreter interpret.Interpreter
	Creator     Creator

	MaxOrphanRetries int
	OrphanRetryDelay time.Duration
	Now              func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

func (p *Processor) maxOrphanRetries() int {
	if p.MaxOrphanRetries > 0 {
		return p.MaxOrphanRetries
	}
	return DefaultMaxOrphanRetries
}

func (p *Processor) orphanRetryDelay() time.Duration {
	if p.OrphanRetryDelay > 0 {
		return p.OrphanRetryDelay
	}
	return DefaultOrphanRetryDelay
}

// Process handles one webhook event. Returning nil deletes the event from
// the queue; returning an error leaves it for redelivery.
func (p *Processor) Process(ctx context.Context, ev sqsqueue.Event) error {
	now := p.now()

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	disp, err := p.Store.RecordEvent(ctx, ev.DedupKey, ev.Kind, payload, now)
	if err != nil {
		return err
	}
	if disp == pgstore.EventProcessed {
		observability.DuplicateEvents.Inc()
		slog.Info("duplicate webhook event skipped", "dedup_key", ev.DedupKey, "kind", ev.Kind)
		return nil
	}
	// EventInFlight means a prior delivery started but never finished, for
	// example a crash mid-handler or a delayed orphan-status retry. Every
	// downstream write is keyed on the event (conflict-keyed inserts, derived
	// message ids, monotonic status updates), so reprocessing is safe.

	observability.WebhookEvents.WithLabelValues(ev.Kind).Inc()

	switch ev.Kind {
	case sqsqueue.EventKindInbound:
		if err := p.processInbound(ctx, ev, now); err != nil {
			return err
		}
	case sqsqueue.EventKindStatus:
		done, err := p.processStatus(ctx, ev, now)
		if err != nil {
			return err
		}
		if !done {
			// Orphan retry scheduled; the ledger row stays unprocessed so
			// the redelivered copy is allowed through.
			return nil
		}
	default:
		slog.Warn("webhook event with unknown kind", "dedup_key", ev.DedupKey, "kind", ev.Kind)
	}

	return p.Store.MarkEventProcessed(ctx, ev.DedupKey)
}

func (p *Processor) processInbound(ctx context.Context, ev sqsqueue.Event, now time.Time) error {
	recipient := util.NormalizeRecipient(ev.Recipient)
	if recipient == "" {
		slog.Warn("inbound event without recipient", "dedup_key", ev.DedupKey)
		return nil
	}

	// An inbound user message always opens or renews the conversation
	// window, whatever its content.
	var (
		win store.ConversationWindow
		err error
	)
	if ev.WindowExpires != nil {
		win, err = p.Windows.OpenOrRenew(ctx, recipient, domain.OriginUserInitiated, ev.WindowID, *ev.WindowExpires)
	} else {
		win, err = p.Windows.OpenOrRenewFor(ctx, recipient, domain.OriginUserInitiated, ev.WindowID, window.DefaultTTL)
	}
	if err != nil {
		return err
	}
	slog.Info("conversation window open",
		"recipient", recipient,
		"window_id", win.ID,
		"expires_at", win.ExpiresAt,
	)

	// The audit row is conflict-keyed on the provider message id so a
	// reprocessed event writes nothing. Synthetic events without one fall
	// back to the dedup key, keeping every row replay-safe.
	providerMsgID := ev.ProviderMsgID
	if providerMsgID == "" {
		providerMsgID = ev.DedupKey
	}
	if err := p.Store.InsertInboundMessage(ctx, store.InboundMessageInsert{
		ID:            util.NewInboundID(),
		Recipient:     recipient,
		ProviderMsgID: providerMsgID,
		Body:          ev.Body,
		Now:           now,
	}); err != nil {
		return err
	}

	if ev.Body != "" && p.Interpreter != nil {
		action, err := p.Interpreter.Interpret(ctx, recipient, ev.Body)
		if err != nil {
			// Interpretation is best effort; the window and audit row are
			// already durable.
			slog.Error("interpret inbound text failed", "err", err, "dedup_key", ev.DedupKey)
			return nil
		}
		p.handleAction(ctx, ev.DedupKey, recipient, action, now)
	}
	return nil
}

// handleAction executes the interpreted command. The action set is closed;
// each kind is matched explicitly.
func (p *Processor) handleAction(ctx context.Context, dedupKey, senderID string, action interpret.Action, now time.Time) {
	switch action.Kind {
	case interpret.ActionSendCelebration, interpret.ActionSendAccountability:
		p.createForClients(ctx, dedupKey, senderID, string(action.Kind), action, domain.SendImmediate, nil, now)
	case interpret.ActionScheduleMessage:
		if action.ScheduleTime == nil {
			slog.Warn("schedule action without target time", "sender_id", senderID)
			return
		}
		p.createForClients(ctx, dedupKey, senderID, string(action.Kind), action, domain.SendAtTime, action.ScheduleTime, now)
	case interpret.ActionGetStats:
		slog.Info("stats request received", "sender_id", senderID)
	case interpret.ActionUnknown:
		slog.Info("inbound text not understood", "sender_id", senderID)
	}
}

func (p *Processor) createForClients(ctx context.Context, dedupKey, senderID, kind string, action interpret.Action, mode domain.SendMode, target *time.Time, now time.Time) {
	if p.Creator == nil {
		slog.Warn("interpreted send action dropped, no creator wired", "sender_id", senderID, "kind", kind)
		return
	}
	for _, client := range action.Clients {
		req := domain.CreateMessageRequest{
			Recipient:  util.NormalizeRecipient(client),
			SenderID:   senderID,
			Kind:       kind,
			Body:       action.Message,
			SendMode:   mode,
			TargetTime: target,
		}
		// The id is derived from the event and the client, so replaying the
		// event recreates the same id and the insert no-ops on conflict.
		resp, err := p.Creator.Create(ctx, req, util.MessageIDFromSeed(dedupKey+"|"+req.Recipient), now)
		if err != nil {
			slog.Error("create interpreted message failed", "err", err, "sender_id", senderID, "recipient", req.Recipient)
			continue
		}
		slog.Info("interpreted message created", "message_id", resp.MessageID, "recipient", req.Recipient, "kind", kind)
	}
}

// processStatus returns done=false when an orphan retry was scheduled and
// the event must stay unprocessed in the ledger.
func (p *Processor) processStatus(ctx context.Context, ev sqsqueue.Event, now time.Time) (bool, error) {
	// Status events can carry session metadata; a conversation window
	// derived that way is business-initiated unless the provider says
	// otherwise, and never grants free-form sending.
	if ev.WindowID != "" || ev.WindowExpires != nil {
		origin := domain.WindowOrigin(ev.WindowOrigin)
		if origin != domain.OriginUserInitiated {
			origin = domain.OriginBusinessInitiated
		}
		recipient := util.NormalizeRecipient(ev.Recipient)
		if recipient != "" {
			var err error
			if ev.WindowExpires != nil {
				_, err = p.Windows.OpenOrRenew(ctx, recipient, origin, ev.WindowID, *ev.WindowExpires)
			} else {
				_, err = p.Windows.OpenOrRenewFor(ctx, recipient, origin, ev.WindowID, window.DefaultTTL)
			}
			if err != nil {
				return false, err
			}
		}
	}

	state, ok := mapDeliveryState(ev.Status)
	if !ok {
		slog.Warn("status event with unknown state", "dedup_key", ev.DedupKey, "status", ev.Status)
		return true, nil
	}
	if ev.ProviderMsgID == "" {
		slog.Warn("status event without provider message id", "dedup_key", ev.DedupKey)
		return true, nil
	}

	found, advanced, err := p.Store.ApplyDeliveryState(ctx, ev.ProviderMsgID, state, now)
	if err != nil {
		return false, err
	}
	if !found {
		return p.handleOrphan(ctx, ev)
	}
	if !advanced {
		// Out-of-order delivery; the record already holds a later state.
		slog.Info("stale status event ignored", "provider_msg_id", ev.ProviderMsgID, "status", ev.Status)
	}
	return true, nil
}

// handleOrphan schedules a bounded delayed retry for a status event whose
// provider message id has no delivery record yet.
func (p *Processor) handleOrphan(ctx context.Context, ev sqsqueue.Event) (bool, error) {
	retries, err := p.Store.IncrementOrphanRetry(ctx, ev.DedupKey)
	if err != nil {
		return false, err
	}
	if retries > p.maxOrphanRetries() {
		observability.OrphanStatuses.Inc()
		slog.Warn("orphan status event dropped after retries",
			"dedup_key", ev.DedupKey,
			"provider_msg_id", ev.ProviderMsgID,
			"retries", retries,
		)
		return true, nil
	}
	if err := p.Queue.EnqueueDelayed(ctx, ev, p.orphanRetryDelay()); err != nil {
		return false, err
	}
	slog.Info("orphan status event requeued",
		"dedup_key", ev.DedupKey,
		"provider_msg_id", ev.ProviderMsgID,
		"retry", retries,
	)
	return false, nil
}

func mapDeliveryState(s string) (domain.DeliveryState, bool) {
	switch s {
	case "sent":
		return domain.DeliverySent, true
	case "delivered":
		return domain.DeliveryDelivered, true
	case "read":
		return domain.DeliveryRead, true
	case "failed":
		return domain.DeliveryFailed, true
	}
	return "", false
}
