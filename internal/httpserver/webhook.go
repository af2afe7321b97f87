package httpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"outreach/internal/providers/whatsapp"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/util"
)

const maxWebhookBody = 1 << 20

type EventQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.Event) error
}

// Webhook terminates the provider's push channel. It verifies the payload
// signature, splits the notification into individual events and enqueues
// them; all real processing happens off the request path. Bad events are
// logged and acknowledged so the provider does not hammer us with retries,
// only an unparseable body gets a non-2xx response.
type Webhook struct {
	Queue       EventQueue
	AppSecret   string
	VerifyToken string
	Now         func() time.Time
}

func (h *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/whatsapp", h.handleVerify).Methods(http.MethodGet)
	mux.HandleFunc("/v1/webhooks/whatsapp", h.handleEvents).Methods(http.MethodPost)
}

// handleVerify answers the provider's subscription handshake by echoing the
// challenge when the verify token matches.
func (h *Webhook) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !whatsapp.VerifyHandshake(q.Get("hub.mode"), q.Get("hub.verify_token"), h.VerifyToken) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (h *Webhook) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, ErrInvalidPayload, http.StatusBadRequest)
		return
	}

	if !whatsapp.VerifySignature(h.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		// Drop but acknowledge; a 4xx here would only trigger provider
		// retries of a payload we will never trust.
		slog.Warn("webhook signature verification failed", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusOK)
		return
	}

	n, err := whatsapp.ParseNotification(body)
	if err != nil {
		http.Error(w, ErrInvalidPayload, http.StatusBadRequest)
		return
	}

	now := h.now()
	enqueued := 0
	for _, ev := range flatten(n, now) {
		if err := h.Queue.Enqueue(r.Context(), ev); err != nil {
			// Ack anyway; the remaining events made it and the provider
			// will redeliver the batch, which dedup absorbs.
			slog.Error("enqueue webhook event failed", "err", err, "dedup_key", ev.DedupKey, "kind", ev.Kind)
			continue
		}
		enqueued++
	}
	slog.Info("webhook notification accepted", "events", enqueued)
	w.WriteHeader(http.StatusOK)
}

func (h *Webhook) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return util.NowUTC()
}

// flatten splits a provider notification into one queue event per
// sub-event so a bad sibling can never block the rest of the batch.
func flatten(n whatsapp.Notification, now time.Time) []sqsqueue.Event {
	var out []sqsqueue.Event
	for _, entry := range n.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				ev := sqsqueue.Event{
					DedupKey:      msg.ID,
					Kind:          sqsqueue.EventKindInbound,
					Recipient:     msg.From,
					ProviderMsgID: msg.ID,
					ReceivedAt:    now,
				}
				if msg.Text != nil {
					ev.Body = msg.Text.Body
				}
				if ev.DedupKey == "" {
					ev.DedupKey = contentKey(msg.From, msg.Timestamp, ev.Body)
				}
				out = append(out, ev)
			}
			for _, st := range change.Value.Statuses {
				ev := sqsqueue.Event{
					// One wamid emits several status events over its life;
					// the state qualifies the key.
					DedupKey:      st.ID + ":" + st.Status,
					Kind:          sqsqueue.EventKindStatus,
					Recipient:     st.RecipientID,
					ProviderMsgID: st.ID,
					Status:        st.Status,
					ReceivedAt:    now,
				}
				if st.Conversation != nil {
					ev.WindowID = st.Conversation.ID
					ev.WindowOrigin = st.Conversation.Origin.Type
					if exp := parseUnixSeconds(st.Conversation.ExpirationTimestamp); exp != nil {
						ev.WindowExpires = exp
					}
				}
				out = append(out, ev)
			}
		}
	}
	return out
}

func contentKey(from, timestamp, body string) string {
	sum := sha256.Sum256([]byte(from + "|" + timestamp + "|" + body))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func parseUnixSeconds(s string) *time.Time {
	if s == "" {
		return nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}
