package window

import (
	"context"
	"time"

	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/store"
	"outreach/internal/store/pg"
	"outreach/internal/util"
)

// DefaultTTL is the free-conversation window the channel grants after an
// inbound user message.
const DefaultTTL = 24 * time.Hour

type Store interface {
	OpenWindow(ctx context.Context, in pg.WindowInsert) error
	ActiveWindow(ctx context.Context, recipient string, now time.Time) (store.ConversationWindow, bool, error)
}

// Tracker owns conversation-window state. It is the only writer of window
// rows; ingestion and dispatch both go through it.
type Tracker struct {
	Store Store
	Now   func() time.Time
}

func NewTracker(s Store) *Tracker {
	return &Tracker{Store: s, Now: util.NowUTC}
}

// OpenOrRenew records a new window for the recipient, superseding any active
// one. windowID may be the provider-assigned id; when empty a local id is
// synthesized. ttl <= 0 means the provider supplied expiresAt directly.
func (t *Tracker) OpenOrRenew(ctx context.Context, recipient string, origin domain.WindowOrigin, windowID string, expiresAt time.Time) (store.ConversationWindow, error) {
	now := t.Now()
	if windowID == "" {
		windowID = util.NewWindowID()
	}
	w := pg.WindowInsert{
		ID:        util.NewWindowID(),
		Recipient: recipient,
		WindowID:  windowID,
		Origin:    origin,
		OpenedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := t.Store.OpenWindow(ctx, w); err != nil {
		return store.ConversationWindow{}, err
	}
	observability.WindowsOpened.WithLabelValues(string(origin)).Inc()
	return store.ConversationWindow{
		ID:        w.ID,
		Recipient: w.Recipient,
		WindowID:  w.WindowID,
		Origin:    w.Origin,
		OpenedAt:  w.OpenedAt,
		ExpiresAt: w.ExpiresAt,
		Active:    true,
	}, nil
}

// OpenOrRenewFor opens a window expiring ttl from now.
func (t *Tracker) OpenOrRenewFor(ctx context.Context, recipient string, origin domain.WindowOrigin, windowID string, ttl time.Duration) (store.ConversationWindow, error) {
	return t.OpenOrRenew(ctx, recipient, origin, windowID, t.Now().Add(ttl))
}

// Active returns the recipient's current window. Expiry is lazy: a row whose
// expires_at has passed is reported absent even if never deactivated.
func (t *Tracker) Active(ctx context.Context, recipient string) (store.ConversationWindow, bool, error) {
	return t.Store.ActiveWindow(ctx, recipient, t.Now())
}

// CanSendFreeForm is true only for an active, unexpired, user-initiated
// window. Business-initiated windows never grant free-form rights.
func (t *Tracker) CanSendFreeForm(ctx context.Context, recipient string) (bool, error) {
	w, ok, err := t.Store.ActiveWindow(ctx, recipient, t.Now())
	if err != nil {
		return false, err
	}
	return ok && w.Origin == domain.OriginUserInitiated, nil
}
