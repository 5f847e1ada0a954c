package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxBatch is the SQS limit on messages per receive.
const maxBatch = 10

// redriveVisibility hides a message while it is being moved.
const redriveVisibility = int32(30)

// SQSClient abstracts SQS operations for dependency inversion.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// Queue reads the dead-letter queue and moves messages back to the process queue.
type Queue struct {
	client        SQSClient
	deadLetterURL string
	processURL    string
	releaser      *Releaser
}

// NewQueue creates a new Queue.
func NewQueue(client SQSClient, deadLetterURL, processURL string, releaser *Releaser) *Queue {
	return &Queue{
		client:        client,
		deadLetterURL: deadLetterURL,
		processURL:    processURL,
		releaser:      releaser,
	}
}

// Inspect returns up to limit dead-lettered messages without hiding them from
// other readers. A receive always applies the queue's visibility timeout, so
// each peeked message is made visible again straight away.
func (q *Queue) Inspect(ctx context.Context, limit int) ([]Entry, error) {
	seen := make(map[string]bool)
	var entries []Entry
	for len(entries) < limit {
		msgs, err := q.receive(ctx, limit-len(entries), 0)
		if err != nil {
			return entries, err
		}
		q.reveal(ctx, msgs)
		added := 0
		for _, m := range msgs {
			e := entryFromMessage(m)
			if seen[e.MessageID] {
				continue
			}
			seen[e.MessageID] = true
			entries = append(entries, e)
			added++
		}
		if added == 0 {
			break
		}
	}
	return entries, nil
}

// RedriveResult summarises a redrive.
type RedriveResult struct {
	Redriven int      `json:"redriven"`
	Released int      `json:"released"`
	Failed   []string `json:"failed,omitempty"`
}

// Redrive moves up to limit messages to the process queue. Each message is sent
// before it is deleted, so a failure part way leaves it on the dead-letter queue.
func (q *Queue) Redrive(ctx context.Context, limit int) (RedriveResult, error) {
	var result RedriveResult
	for result.Redriven+len(result.Failed) < limit {
		msgs, err := q.receive(ctx, limit-result.Redriven-len(result.Failed), redriveVisibility)
		if err != nil {
			return result, err
		}
		if len(msgs) == 0 {
			break
		}

		for _, m := range msgs {
			e := entryFromMessage(m)
			released, err := q.redriveOne(ctx, e)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to redrive message",
					slog.String("message_id", e.MessageID),
					slog.String("error", err.Error()),
				)
				result.Failed = append(result.Failed, e.MessageID)
				continue
			}
			result.Redriven++
			if released {
				result.Released++
			}
		}
	}
	return result, nil
}

func (q *Queue) redriveOne(ctx context.Context, e Entry) (bool, error) {
	released, err := q.releaser.Release(ctx, e)
	if err != nil {
		return false, err
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.processURL),
		MessageBody: aws.String(e.Body),
	})
	if err != nil {
		return released, fmt.Errorf("failed to send to process queue: %w", err)
	}

	_, err = q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.deadLetterURL),
		ReceiptHandle: aws.String(e.ReceiptHandle),
	})
	if err != nil {
		return released, fmt.Errorf("failed to delete from dead-letter queue: %w", err)
	}
	return released, nil
}

// reveal resets the visibility of received messages to zero. A failure only
// leaves them hidden until the queue's visibility timeout runs out.
func (q *Queue) reveal(ctx context.Context, msgs []types.Message) {
	if len(msgs) == 0 {
		return
	}
	entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, 0, len(msgs))
	for i, m := range msgs {
		entries = append(entries, types.ChangeMessageVisibilityBatchRequestEntry{
			Id:                aws.String(strconv.Itoa(i)),
			ReceiptHandle:     m.ReceiptHandle,
			VisibilityTimeout: 0,
		})
	}

	output, err := q.client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: aws.String(q.deadLetterURL),
		Entries:  entries,
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to reset visibility of inspected messages",
			slog.Int("count", len(msgs)),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, f := range output.Failed {
		logger.WarnContext(ctx, "Failed to reset visibility of inspected message",
			slog.String("id", aws.ToString(f.Id)),
			slog.String("code", aws.ToString(f.Code)),
		)
	}
}

// receive reads up to want messages. A zero visibility leaves the queue default.
func (q *Queue) receive(ctx context.Context, want int, visibility int32) ([]types.Message, error) {
	n := min(want, maxBatch)
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.deadLetterURL),
		MaxNumberOfMessages: int32(n),
		VisibilityTimeout:   visibility,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameApproximateFirstReceiveTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from dead-letter queue: %w", err)
	}
	return output.Messages, nil
}
