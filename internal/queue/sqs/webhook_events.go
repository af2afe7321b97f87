package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Event is the internal envelope for one webhook sub-event. The HTTP layer
// splits a provider notification into individual events before enqueueing so
// a bad sibling can never abort the rest of a batch. Keep it small; SQS has
// a 256KB message size limit.
type Event struct {
	DedupKey      string     `json:"dedupKey"`
	Kind          string     `json:"kind"` // inbound_message, status
	Recipient     string     `json:"recipient"`
	ProviderMsgID string     `json:"providerMsgId,omitempty"`
	Body          string     `json:"body,omitempty"`
	Status        string     `json:"status,omitempty"`
	WindowID      string     `json:"windowId,omitempty"`
	WindowOrigin  string     `json:"windowOrigin,omitempty"`
	WindowExpires *time.Time `json:"windowExpires,omitempty"`
	ReceivedAt    time.Time  `json:"receivedAt"`
}

const (
	EventKindInbound = "inbound_message"
	EventKindStatus  = "status"
)

type EventProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *EventProducer) Enqueue(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

// EnqueueDelayed re-publishes an event after a short delay. Used for status
// events that outran the delivery worker's own write.
func (p *EventProducer) EnqueueDelayed(ctx context.Context, ev Event, delay time.Duration) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	secs := int32(delay / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: secs,
	})
	return err
}
