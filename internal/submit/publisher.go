// Package submit enqueues process catalogs onto the process queue via SQS.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
)

// maxBatch is the SQS limit on entries per SendMessageBatch call.
const maxBatch = 10

// SQSSender abstracts SQS batch send operations for dependency inversion.
type SQSSender interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Rejection identifies a catalog that was not enqueued.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result summarises a submission.
type Result struct {
	Submitted  int         `json:"submitted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected,omitempty"`
	Failed     []Rejection `json:"failed,omitempty"`
}

// SQSPublisher enqueues process catalogs onto an SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// Submit validates the catalogs and sends the valid ones to the queue.
// Invalid catalogs are rejected without being sent, and a catalog whose key
// repeats an earlier one in the same call is dropped as a duplicate.
// Entries SQS refuses are reported in Failed; a returned error means a batch
// call failed outright and later catalogs were not attempted.
func (p *SQSPublisher) Submit(ctx context.Context, catalogs ...catalog.ProcessCatalog) (Result, error) {
	var result Result
	seen := make(map[catalog.Key]bool, len(catalogs))
	var entries []types.SendMessageBatchRequestEntry

	for i, c := range catalogs {
		if err := c.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		key := c.Key()
		if seen[key] {
			result.Duplicates++
			continue
		}
		seen[key] = true

		body, err := json.Marshal(c)
		if err != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, Reason: err.Error()})
			continue
		}
		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"workflow": {
					DataType:    aws.String("String"),
					StringValue: aws.String(c.WorkflowName),
				},
			},
		})
	}

	for start := 0; start < len(entries); start += maxBatch {
		batch := entries[start:min(start+maxBatch, len(entries))]
		output, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  batch,
		})
		if err != nil {
			return result, fmt.Errorf("failed to send catalogs: %w", err)
		}
		result.Submitted += len(output.Successful)
		for _, f := range output.Failed {
			index, _ := strconv.Atoi(aws.ToString(f.Id))
			result.Failed = append(result.Failed, Rejection{
				Index:  index,
				Reason: aws.ToString(f.Code) + ": " + aws.ToString(f.Message),
			})
		}
	}
	return result, nil
}
