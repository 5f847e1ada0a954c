// Package notify publishes dispatch lifecycle events to SNS topics.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Channel identifies one of the broadcast topics.
type Channel string

const (
	ChannelWorkflow Channel = "workflow"
	ChannelFailed   Channel = "failed"
	ChannelInvalid  Channel = "invalid"
)

// Event types carried in the event_type message attribute.
const (
	EventStarted   = "started"
	EventFailed    = "failed"
	EventInvalid   = "invalid"
	EventCompleted = "completed"
	EventAborted   = "aborted"
)

// Message is the JSON body published to a topic.
type Message struct {
	EventType           string    `json:"eventType"`
	PayloadID           string    `json:"payloadId,omitempty"`
	WorkflowName        string    `json:"workflowName,omitempty"`
	CollectionsWorkflow string    `json:"collectionsWorkflow,omitempty"`
	ItemIDs             string    `json:"itemIds,omitempty"`
	ExecutionARN        string    `json:"executionArn,omitempty"`
	Error               string    `json:"error,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// SNSPublisher abstracts SNS publish operations for dependency inversion.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends messages to the topic configured for each channel.
type Publisher struct {
	client SNSPublisher
	topics map[Channel]string
}

// NewPublisher creates a new Publisher. Channels mapped to an empty topic ARN are disabled.
func NewPublisher(client SNSPublisher, topics map[Channel]string) *Publisher {
	enabled := make(map[Channel]string, len(topics))
	for ch, arn := range topics {
		if arn != "" {
			enabled[ch] = arn
		}
	}
	return &Publisher{
		client: client,
		topics: enabled,
	}
}

// Enabled reports whether a topic is configured for the channel.
func (p *Publisher) Enabled(channel Channel) bool {
	_, ok := p.topics[channel]
	return ok
}

// Publish makes a single publish attempt to the channel's topic.
// Publishing to a disabled channel is a no-op.
func (p *Publisher) Publish(ctx context.Context, channel Channel, msg Message) error {
	topicARN, ok := p.topics[channel]
	if !ok {
		return nil
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	attributes := map[string]types.MessageAttributeValue{
		"event_type": stringAttribute(msg.EventType),
	}
	if msg.WorkflowName != "" {
		attributes["workflow"] = stringAttribute(msg.WorkflowName)
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attributes,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s channel: %w", channel, err)
	}
	return nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
