// Package deadletter inspects and redrives process catalogs that exhausted
// their delivery attempts.
package deadletter

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
)

// Queue policy shared with the queue definitions.
const (
	// MaxReceiveCount is the number of deliveries after which a process
	// catalog moves to the dead-letter queue.
	MaxReceiveCount = 5
	// VisibilityTimeout hides a received process catalog from other consumers.
	VisibilityTimeout = 180 * time.Second
)

// Entry is a dead-lettered message.
type Entry struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
	FirstReceived time.Time
	// Catalog is nil when the body is not a process catalog.
	Catalog    *catalog.ProcessCatalog
	ParseError string
}

func entryFromMessage(msg types.Message) Entry {
	e := Entry{
		MessageID:     deref(msg.MessageId),
		ReceiptHandle: deref(msg.ReceiptHandle),
		Body:          deref(msg.Body),
	}

	attrs := msg.Attributes
	if v, ok := attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		e.ReceiveCount, _ = strconv.Atoi(v)
	}
	if v, ok := attrs[string(types.MessageSystemAttributeNameApproximateFirstReceiveTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.FirstReceived = time.UnixMilli(ms).UTC()
		}
	}

	c, err := catalog.Parse([]byte(e.Body))
	if err == nil {
		err = c.Validate()
	}
	if err != nil {
		e.ParseError = err.Error()
	} else {
		e.Catalog = &c
	}
	return e
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
