package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach/internal/domain"
	"outreach/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

type WindowInsert struct {
	ID        string
	Recipient string
	WindowID  string
	Origin    domain.WindowOrigin
	OpenedAt  time.Time
	ExpiresAt time.Time
}

// OpenWindow deactivates any active window for the recipient and inserts the
// new one in a single transaction. An advisory xact lock on the recipient
// serializes concurrent opens so two inbound events milliseconds apart can
// never leave two active rows.
func (s *Store) OpenWindow(ctx context.Context, in WindowInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, in.Recipient); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE conversation_windows SET is_active=false WHERE recipient=$1 AND is_active
	`, in.Recipient); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_windows (id, recipient, window_id, origin, opened_at, expires_at, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,true)
	`, in.ID, in.Recipient, in.WindowID, in.Origin, in.OpenedAt, in.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ActiveWindow returns the active window for the recipient, treating rows
// whose expires_at has passed as inactive even when the flag is still set.
func (s *Store) ActiveWindow(ctx context.Context, recipient string, now time.Time) (store.ConversationWindow, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, recipient, window_id, origin, opened_at, expires_at, is_active
		FROM conversation_windows
		WHERE recipient=$1 AND is_active AND expires_at > $2
		ORDER BY opened_at DESC
		LIMIT 1
	`, recipient, now)

	var w store.ConversationWindow
	err := row.Scan(&w.ID, &w.Recipient, &w.WindowID, &w.Origin, &w.OpenedAt, &w.ExpiresAt, &w.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ConversationWindow{}, false, nil
		}
		return store.ConversationWindow{}, false, err
	}
	return w, true, nil
}
