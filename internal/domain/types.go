package domain

import (
	"errors"
	"time"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusScheduled MessageStatus = "scheduled"
	StatusSent      MessageStatus = "dispatched_sent"
	StatusFailed    MessageStatus = "dispatched_failed"
	StatusCancelled MessageStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transition may occur.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

type SendMode string

const (
	SendImmediate SendMode = "immediate"
	SendAtTime    SendMode = "at_time"
	SendRecurring SendMode = "recurring"
)

type WindowOrigin string

const (
	OriginUserInitiated     WindowOrigin = "user_initiated"
	OriginBusinessInitiated WindowOrigin = "business_initiated"
)

// DeliveryState is the provider-confirmed delivery progression for a
// provider message id. States move forward only: sent < delivered < read,
// with failed absorbing from any non-terminal state.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// DeliveryRank orders delivery states. failed gets the top rank so the
// monotonic-update SQL treats it as absorbing.
func DeliveryRank(s DeliveryState) int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	case DeliveryFailed:
		return 4
	}
	return 0
}

type AttemptOutcome string

const (
	OutcomeAcknowledged AttemptOutcome = "acknowledged"
	OutcomeRejected     AttemptOutcome = "provider_rejected"
	OutcomeTransient    AttemptOutcome = "transient_error"
)

// RecurrenceRule mirrors the stored recurring pattern. Monthly means a fixed
// 30-day offset, not calendar-month arithmetic; confirm before changing.
type RecurrenceRule struct {
	Frequency string `json:"frequency"` // daily, weekly, monthly
	Interval  int    `json:"interval"`
}

// Next computes the occurrence after target. The base is always the original
// target time so scheduler jitter never accumulates into the cadence.
func (r RecurrenceRule) Next(target time.Time) (time.Time, error) {
	n := r.Interval
	if n <= 0 {
		n = 1
	}
	switch r.Frequency {
	case "daily":
		return target.Add(time.Duration(n) * 24 * time.Hour), nil
	case "weekly":
		return target.Add(time.Duration(n) * 7 * 24 * time.Hour), nil
	case "monthly":
		return target.Add(time.Duration(n) * 30 * 24 * time.Hour), nil
	}
	return time.Time{}, ErrBadRecurrence
}

type CreateMessageRequest struct {
	Recipient  string          `json:"recipient"`
	SenderID   string          `json:"senderId"`
	Kind       string          `json:"kind"`
	Body       string          `json:"body"`
	SendMode   SendMode        `json:"sendMode"`
	TargetTime *time.Time      `json:"targetTime,omitempty"`
	Recurrence *RecurrenceRule `json:"recurrence,omitempty"`
}

func (r CreateMessageRequest) Validate() error {
	if r.Recipient == "" || r.SenderID == "" || r.Body == "" {
		return ErrMissingFields
	}
	switch r.SendMode {
	case SendImmediate:
	case SendAtTime:
		if r.TargetTime == nil {
			return ErrMissingTargetTime
		}
	case SendRecurring:
		if r.TargetTime == nil {
			return ErrMissingTargetTime
		}
		if r.Recurrence == nil {
			return ErrMissingRecurrence
		}
		if _, err := r.Recurrence.Next(*r.TargetTime); err != nil {
			return err
		}
	default:
		return ErrBadSendMode
	}
	return nil
}

type CreateMessageResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

var (
	ErrMissingFields     = errors.New("missing required fields")
	ErrMissingTargetTime = errors.New("target time required for this send mode")
	ErrMissingRecurrence = errors.New("recurrence rule required for recurring mode")
	ErrBadSendMode       = errors.New("unknown send mode")
	ErrBadRecurrence     = errors.New("unknown recurrence frequency")

	ErrNotFound      = errors.New("not found")
	ErrNotCancelable = errors.New("message already dispatched or terminal")

	// ErrChannelRejected marks a terminal provider error: no retry.
	ErrChannelRejected = errors.New("channel rejected send")
	// ErrChannelTransient marks a retryable provider or network error.
	ErrChannelTransient = errors.New("transient channel error")

	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrDuplicateEvent is an idempotent no-op, not a failure to the caller.
	ErrDuplicateEvent = errors.New("event already processed")
	// ErrAttemptInFlight means a non-terminal delivery attempt holds the
	// per-message lease.
	ErrAttemptInFlight = errors.New("delivery attempt already in flight")
)
