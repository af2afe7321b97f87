package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// DispatchJob asks a worker to attempt delivery of one outbound message.
// Attempt starts at 0; retry re-enqueues carry the incremented count.
type DispatchJob struct {
	MessageID string `json:"messageId"`
	Attempt   int    `json:"attempt"`
}

type DispatchProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

// Enqueue publishes a dispatch job, optionally delayed. Delayed re-enqueues
// are how retry backoff is realized; workers never sleep.
func (p *DispatchProducer) Enqueue(ctx context.Context, job DispatchJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if delay > 0 {
		secs := int32(delay / time.Second)
		if secs < 1 {
			secs = 1
		}
		if secs > 900 { // SQS maximum
			secs = 900
		}
		in.DelaySeconds = secs
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func str(s string) *string { return &s }
