package window

import (
	"context"
	"testing"
	"time"

	"outreach/internal/domain"
	"outreach/internal/store"
	"outreach/internal/store/pg"
)

// fakeStore mimics the single-active-window semantics of the real store,
// including lazy expiry on read.
type fakeStore struct {
	windows map[string]pg.WindowInsert
	opens   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{windows: make(map[string]pg.WindowInsert)}
}

func (f *fakeStore) OpenWindow(ctx context.Context, in pg.WindowInsert) error {
	f.opens++
	f.windows[in.Recipient] = in
	return nil
}

func (f *fakeStore) ActiveWindow(ctx context.Context, recipient string, now time.Time) (store.ConversationWindow, bool, error) {
	w, ok := f.windows[recipient]
	if !ok || !w.ExpiresAt.After(now) {
		return store.ConversationWindow{}, false, nil
	}
	return store.ConversationWindow{
		ID: w.ID, Recipient: w.Recipient, WindowID: w.WindowID,
		Origin: w.Origin, OpenedAt: w.OpenedAt, ExpiresAt: w.ExpiresAt, Active: true,
	}, true, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestOpenOrRenewSynthesizesWindowID(t *testing.T) {
	fs := newFakeStore()
	tr := &Tracker{Store: fs, Now: fixedNow}

	w, err := tr.OpenOrRenewFor(context.Background(), "15550001111", domain.OriginUserInitiated, "", DefaultTTL)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if w.WindowID == "" {
		t.Fatalf("expected synthesized window id")
	}
	if !w.ExpiresAt.Equal(fixedNow().Add(DefaultTTL)) {
		t.Fatalf("expected expiry now+24h, got %v", w.ExpiresAt)
	}
}

func TestOpenOrRenewSupersedes(t *testing.T) {
	fs := newFakeStore()
	tr := &Tracker{Store: fs, Now: fixedNow}
	ctx := context.Background()

	if _, err := tr.OpenOrRenewFor(ctx, "15550001111", domain.OriginBusinessInitiated, "prov_1", DefaultTTL); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := tr.OpenOrRenewFor(ctx, "15550001111", domain.OriginUserInitiated, "prov_2", DefaultTTL); err != nil {
		t.Fatalf("second open: %v", err)
	}

	w, ok, err := tr.Active(ctx, "15550001111")
	if err != nil || !ok {
		t.Fatalf("active: ok=%v err=%v", ok, err)
	}
	if w.WindowID != "prov_2" || w.Origin != domain.OriginUserInitiated {
		t.Fatalf("expected newest window active, got %+v", w)
	}
	if fs.opens != 2 {
		t.Fatalf("expected 2 opens, got %d", fs.opens)
	}
}

func TestActiveLazyExpiry(t *testing.T) {
	fs := newFakeStore()
	now := fixedNow()
	tr := &Tracker{Store: fs, Now: func() time.Time { return now }}
	ctx := context.Background()

	if _, err := tr.OpenOrRenewFor(ctx, "15550001111", domain.OriginUserInitiated, "", time.Hour); err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, ok, _ := tr.Active(ctx, "15550001111"); !ok {
		t.Fatalf("window should be active before expiry")
	}

	now = now.Add(time.Hour + time.Second)
	if _, ok, _ := tr.Active(ctx, "15550001111"); ok {
		t.Fatalf("window should lazily expire without a sweep")
	}
}

func TestCanSendFreeFormRequiresUserOrigin(t *testing.T) {
	fs := newFakeStore()
	tr := &Tracker{Store: fs, Now: fixedNow}
	ctx := context.Background()

	free, err := tr.CanSendFreeForm(ctx, "15550001111")
	if err != nil || free {
		t.Fatalf("no window must not grant free-form (free=%v err=%v)", free, err)
	}

	if _, err := tr.OpenOrRenewFor(ctx, "15550001111", domain.OriginBusinessInitiated, "", DefaultTTL); err != nil {
		t.Fatalf("open: %v", err)
	}
	free, _ = tr.CanSendFreeForm(ctx, "15550001111")
	if free {
		t.Fatalf("business-initiated window must not grant free-form")
	}

	if _, err := tr.OpenOrRenewFor(ctx, "15550001111", domain.OriginUserInitiated, "", DefaultTTL); err != nil {
		t.Fatalf("open: %v", err)
	}
	free, _ = tr.CanSendFreeForm(ctx, "15550001111")
	if !free {
		t.Fatalf("user-initiated window must grant free-form")
	}
}
