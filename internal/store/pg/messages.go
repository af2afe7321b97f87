package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"outreach/internal/domain"
	"outreach/internal/store"
)

func (s *Store) InsertMessage(ctx context.Context, in store.MessageInsert) error {
	var recurJSON []byte
	if in.Recurrence != nil {
		recurJSON, _ = json.Marshal(in.Recurrence)
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO outbound_messages
			(id, recipient, sender_id, kind, body, send_mode, target_time, recur_rule_json, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (id) DO NOTHING
	`, in.ID, in.Recipient, in.SenderID, in.Kind, in.Body, in.SendMode, in.TargetTime, recurJSON, in.Status, in.Now)
	return err
}

func (s *Store) GetMessage(ctx context.Context, msgID string) (store.OutboundMessage, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, recipient, sender_id, kind, body, send_mode, target_time,
		       COALESCE(recur_rule_json,'null'), status, COALESCE(last_error,''), created_at, updated_at
		FROM outbound_messages WHERE id=$1
	`, msgID)

	var m store.OutboundMessage
	var recurJSON []byte
	err := row.Scan(&m.ID, &m.Recipient, &m.SenderID, &m.Kind, &m.Body, &m.SendMode,
		&m.TargetTime, &recurJSON, &m.Status, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboundMessage{}, false, nil
		}
		return store.OutboundMessage{}, false, err
	}
	_ = json.Unmarshal(recurJSON, &m.Recurrence)
	return m, true, nil
}

// CancelMessage flips a pending or scheduled message to cancelled. A message
// under an unexpired worker lease is refused so a cancel can never land in the
// middle of an in-flight send; the caller reports the conflict instead.
func (s *Store) CancelMessage(ctx context.Context, msgID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages SET status=$2, updated_at=$3
		WHERE id=$1 AND status IN ($4,$5)
		  AND (lease_until IS NULL OR lease_until < $3)
	`, msgID, domain.StatusCancelled, now, domain.StatusPending, domain.StatusScheduled)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// SelectDue claims scheduled messages whose target time falls inside
// [now-grace, now+lookahead]. Claiming (setting enqueued_at) happens in the
// same statement, with SKIP LOCKED, so overlapping poll cycles never pick the
// same row twice.
func (s *Store) SelectDue(ctx context.Context, now time.Time, grace, lookahead time.Duration, limit int) ([]store.OutboundMessage, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE outbound_messages SET enqueued_at=$1, updated_at=$1
		WHERE id IN (
			SELECT id FROM outbound_messages
			WHERE status=$2 AND enqueued_at IS NULL
			  AND target_time >= $3 AND target_time <= $4
			ORDER BY target_time
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient, sender_id, kind, body, send_mode, target_time,
		          COALESCE(recur_rule_json,'null'), status, COALESCE(last_error,''), created_at, updated_at
	`, now, domain.StatusScheduled, now.Add(-grace), now.Add(lookahead), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.OutboundMessage
	for rows.Next() {
		var m store.OutboundMessage
		var recurJSON []byte
		if err := rows.Scan(&m.ID, &m.Recipient, &m.SenderID, &m.Kind, &m.Body, &m.SendMode,
			&m.TargetTime, &recurJSON, &m.Status, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(recurJSON, &m.Recurrence)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReleaseEnqueued clears the claim taken by SelectDue when the enqueue that
// should have followed it failed. The row becomes visible to the next poll
// cycle again.
func (s *Store) ReleaseEnqueued(ctx context.Context, msgID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages SET enqueued_at=NULL, updated_at=$2
		WHERE id=$1 AND status=$3
	`, msgID, now, domain.StatusScheduled)
	return err
}

// ReclaimUnenqueued releases scheduled rows that were claimed by SelectDue
// longer than stale ago but never reached a terminal status. That happens when
// the scheduler crashed between the claim and the queue send, or when an
// enqueued job was lost. Rows under an unexpired lease are left alone.
func (s *Store) ReclaimUnenqueued(ctx context.Context, now time.Time, stale time.Duration) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages SET enqueued_at=NULL, updated_at=$1
		WHERE status=$2 AND enqueued_at IS NOT NULL AND enqueued_at < $3
		  AND (lease_until IS NULL OR lease_until < $1)
	`, now, domain.StatusScheduled, now.Add(-stale))
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// FlagOverdue marks scheduled messages that slipped past the grace bound.
// They must not be dispatched late; they get surfaced for manual handling
// exactly once.
func (s *Store) FlagOverdue(ctx context.Context, now time.Time, grace time.Duration) ([]store.OutboundMessage, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE outbound_messages SET overdue_flagged=true, updated_at=$1
		WHERE status=$2 AND enqueued_at IS NULL AND NOT overdue_flagged AND target_time < $3
		RETURNING id, recipient, sender_id, kind, body, send_mode, target_time,
		          COALESCE(recur_rule_json,'null'), status, COALESCE(last_error,''), created_at, updated_at
	`, now, domain.StatusScheduled, now.Add(-grace))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.OutboundMessage
	for rows.Next() {
		var m store.OutboundMessage
		var recurJSON []byte
		if err := rows.Scan(&m.ID, &m.Recipient, &m.SenderID, &m.Kind, &m.Body, &m.SendMode,
			&m.TargetTime, &recurJSON, &m.Status, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(recurJSON, &m.Recurrence)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClaimForDispatch takes the per-message lease. It succeeds only while the
// message is non-terminal and no unexpired lease exists, which keeps at most
// one non-terminal attempt in flight. A stale lease (crashed worker) is
// reclaimable.
func (s *Store) ClaimForDispatch(ctx context.Context, msgID string, now time.Time, leaseTTL time.Duration) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages SET lease_until=$2, updated_at=$3
		WHERE id=$1 AND status IN ($4,$5)
		  AND (lease_until IS NULL OR lease_until < $3)
	`, msgID, now.Add(leaseTTL), now, domain.StatusPending, domain.StatusScheduled)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseLease clears the lease after a transient outcome so the next retry
// can claim the message.
func (s *Store) ReleaseLease(ctx context.Context, msgID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages SET lease_until=NULL, updated_at=$2 WHERE id=$1
	`, msgID, now)
	return err
}

// MarkTerminal moves the message into a terminal status. It returns true only
// when this call performed the transition, which is what guards the
// exactly-once failure notification.
func (s *Store) MarkTerminal(ctx context.Context, msgID string, status domain.MessageStatus, lastError string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages SET status=$2, last_error=$3, lease_until=NULL, updated_at=$4
		WHERE id=$1 AND status IN ($5,$6)
	`, msgID, status, nullIfEmpty(lastError), now, domain.StatusPending, domain.StatusScheduled)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertAttempt(ctx context.Context, in store.AttemptInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_attempts (id, message_id, attempt_no, provider_msg_id, outcome, error_text, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.ID, in.MessageID, in.AttemptNo, nullIfEmpty(in.ProviderMsgID), in.Outcome, nullIfEmpty(in.ErrorText), in.Now)
	return err
}

// SeedDeliveryStatus creates the delivery record at "sent" for a freshly
// acknowledged provider message id. ON CONFLICT tolerates the status webhook
// outracing this write: a forward state already applied is kept.
func (s *Store) SeedDeliveryStatus(ctx context.Context, providerMsgID, messageID string, now time.Time) error {
	rank := domain.DeliveryRank(domain.DeliverySent)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_status (provider_msg_id, message_id, state, state_rank, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider_msg_id) DO UPDATE
		SET message_id=EXCLUDED.message_id
	`, providerMsgID, messageID, domain.DeliverySent, rank, now)
	return err
}

// ApplyDeliveryState advances the record for providerMsgID. Backward
// transitions are no-ops (advanced=false); a missing record reports
// found=false so the caller can retry the orphaned event.
func (s *Store) ApplyDeliveryState(ctx context.Context, providerMsgID string, state domain.DeliveryState, now time.Time) (found, advanced bool, err error) {
	rank := domain.DeliveryRank(state)
	ct, err := s.DB.Exec(ctx, `
		UPDATE delivery_status SET state=$2, state_rank=$3, updated_at=$4
		WHERE provider_msg_id=$1 AND state_rank < $3
	`, providerMsgID, state, rank, now)
	if err != nil {
		return false, false, err
	}
	if ct.RowsAffected() > 0 {
		return true, true, nil
	}

	row := s.DB.QueryRow(ctx, `SELECT 1 FROM delivery_status WHERE provider_msg_id=$1`, providerMsgID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, false, nil
}

func (s *Store) GetDeliveryStatus(ctx context.Context, providerMsgID string) (store.DeliveryStatusRecord, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT provider_msg_id, message_id, state, updated_at
		FROM delivery_status WHERE provider_msg_id=$1
	`, providerMsgID)
	var r store.DeliveryStatusRecord
	err := row.Scan(&r.ProviderMsgID, &r.MessageID, &r.State, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.DeliveryStatusRecord{}, false, nil
		}
		return store.DeliveryStatusRecord{}, false, err
	}
	return r, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
