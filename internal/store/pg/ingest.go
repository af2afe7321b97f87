package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"outreach/internal/store"
)

// EventDisposition says what the dedup ledger knows about an event key.
type EventDisposition int

const (
	EventNew EventDisposition = iota
	EventInFlight
	EventProcessed
)

// RecordEvent inserts the dedup-ledger row for an event key. A key already
// present but not yet processed is a retry in flight (the orphan-status
// path); a processed key is a duplicate and must cause no further mutation.
func (s *Store) RecordEvent(ctx context.Context, dedupKey, kind string, payload []byte, now time.Time) (EventDisposition, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO inbound_events (dedup_key, kind, payload_json, orphan_retries, processed, received_at)
		VALUES ($1,$2,$3,0,false,$4)
		ON CONFLICT (dedup_key) DO NOTHING
	`, dedupKey, kind, payload, now)
	if err != nil {
		return EventNew, err
	}
	if ct.RowsAffected() > 0 {
		return EventNew, nil
	}

	row := s.DB.QueryRow(ctx, `SELECT processed FROM inbound_events WHERE dedup_key=$1`, dedupKey)
	var processed bool
	if err := row.Scan(&processed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row disappeared between insert and read; treat as new.
			return EventNew, nil
		}
		return EventNew, err
	}
	if processed {
		return EventProcessed, nil
	}
	return EventInFlight, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, dedupKey string) error {
	_, err := s.DB.Exec(ctx, `UPDATE inbound_events SET processed=true WHERE dedup_key=$1`, dedupKey)
	return err
}

// IncrementOrphanRetry bumps and returns the retry count for a status event
// whose delivery record has not appeared yet.
func (s *Store) IncrementOrphanRetry(ctx context.Context, dedupKey string) (int, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE inbound_events SET orphan_retries=orphan_retries+1
		WHERE dedup_key=$1
		RETURNING orphan_retries
	`, dedupKey)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// InsertInboundMessage records the audit row for an inbound user message.
// The provider message id is the natural key; a reprocessed event (crash
// recovery, in-flight retry) hits the conflict and writes nothing.
func (s *Store) InsertInboundMessage(ctx context.Context, in store.InboundMessageInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO inbound_messages (id, recipient, provider_msg_id, body, received_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider_msg_id) WHERE provider_msg_id IS NOT NULL DO NOTHING
	`, in.ID, in.Recipient, nullIfEmpty(in.ProviderMsgID), in.Body, in.Now)
	return err
}
