package store

import (
	"time"

	"outreach/internal/domain"
)

type ConversationWindow struct {
	ID        string
	Recipient string
	WindowID  string
	Origin    domain.WindowOrigin
	OpenedAt  time.Time
	ExpiresAt time.Time
	Active    bool
}

type OutboundMessage struct {
	ID         string
	Recipient  string
	SenderID   string
	Kind       string
	Body       string
	SendMode   domain.SendMode
	TargetTime *time.Time
	Recurrence *domain.RecurrenceRule
	Status     domain.MessageStatus
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type MessageInsert struct {
	ID         string
	Recipient  string
	SenderID   string
	Kind       string
	Body       string
	SendMode   domain.SendMode
	TargetTime *time.Time
	Recurrence *domain.RecurrenceRule
	Status     domain.MessageStatus
	Now        time.Time
}

type DeliveryAttempt struct {
	ID            string
	MessageID     string
	AttemptNo     int
	ProviderMsgID string
	Outcome       domain.AttemptOutcome
	ErrorText     string
	CreatedAt     time.Time
}

type AttemptInsert struct {
	ID            string
	MessageID     string
	AttemptNo     int
	ProviderMsgID string
	Outcome       domain.AttemptOutcome
	ErrorText     string
	Now           time.Time
}

type DeliveryStatusRecord struct {
	ProviderMsgID string
	MessageID     string
	State         domain.DeliveryState
	UpdatedAt     time.Time
}

// InboundEvent is one dedup-ledger row. DedupKey is the provider event id or
// a content hash when the provider omits one.
type InboundEvent struct {
	DedupKey      string
	Kind          string
	PayloadJSON   []byte
	OrphanRetries int
	ReceivedAt    time.Time
}

type InboundMessageInsert struct {
	ID            string
	Recipient     string
	ProviderMsgID string
	Body          string
	Now           time.Time
}
