package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Consumer polls one queue and decodes message bodies into J. Both the
// dispatch queue and the webhook-events queue run through this.
type Consumer[J any] struct {
	SQS      *sqs.Client
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

type Handler[J any] func(ctx context.Context, job J) error

// PollConcurrent processes messages with a worker pool. A message is deleted
// only after its handler returns nil; handler errors leave it for SQS
// redrive/DLQ. Poison payloads that fail to decode are deleted immediately
// so they cannot loop forever.
func (c *Consumer[J]) PollConcurrent(ctx context.Context, workers int, handler Handler[J]) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if m.Body == nil {
					c.delete(ctx, m)
					continue
				}

				var job J
				if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
					c.delete(ctx, m)
					continue
				}

				if err := handler(ctx, job); err == nil {
					c.delete(ctx, m)
				} else {
					slog.Error("sqs handler error", "err", err, "queue_url", c.QueueURL)
				}
			}
		}()
	}

	// Producer: fetch messages and hand them to the pool.
	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				slog.Error("sqs receive message failed", "err", err, "queue_url", c.QueueURL)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// Let workers drain whatever is already queued; the producer closed jobs.
	wg.Wait()
	return err
}

func (c *Consumer[J]) delete(ctx context.Context, m types.Message) {
	_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}
