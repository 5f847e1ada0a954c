package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jarrod-lowe/catalog-dispatch/internal/dispatch"
	"github.com/jarrod-lowe/catalog-dispatch/internal/workflow"
)

type mockRecorder struct {
	recordFunc func(ctx context.Context, ev workflow.StatusEvent) error
	calls      []workflow.StatusEvent
}

func (m *mockRecorder) RecordStatus(ctx context.Context, ev workflow.StatusEvent) error {
	m.calls = append(m.calls, ev)
	if m.recordFunc != nil {
		return m.recordFunc(ctx, ev)
	}
	return nil
}

func statusEvent(status string) events.EventBridgeEvent {
	input := `{"workflowName":"ingest","collections":["landsat"],"itemIds":["item-1"],"payloadReference":"s3://bucket/item-1.json"}`
	inputJSON, _ := json.Marshal(input)
	detail := fmt.Sprintf(`{"executionArn":"arn:aws:states:us-west-2:123:execution:ingest:abc","status":%q,"input":%s,"startDate":1705744800000}`, status, inputJSON)
	return events.EventBridgeEvent{
		ID:         "evt-1",
		DetailType: "Step Functions Execution Status Change",
		Source:     "aws.states",
		Detail:     json.RawMessage(detail),
	}
}

func TestHandler_RecordsStatus(t *testing.T) {
	rec := &mockRecorder{}
	if err := newHandler(rec).handle(context.Background(), statusEvent("SUCCEEDED")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("RecordStatus calls = %d, want 1", len(rec.calls))
	}
	got := rec.calls[0]
	if got.Status != "SUCCEEDED" {
		t.Errorf("Status = %q, want SUCCEEDED", got.Status)
	}
	if got.Catalog.Key().CollectionsWorkflow != "landsat-ingest" {
		t.Errorf("CollectionsWorkflow = %q", got.Catalog.Key().CollectionsWorkflow)
	}
}

func TestHandler_UnreadableEventIsDropped(t *testing.T) {
	rec := &mockRecorder{}
	event := events.EventBridgeEvent{ID: "evt-1", Detail: json.RawMessage(`{"status":"SUCCEEDED"}`)}

	if err := newHandler(rec).handle(context.Background(), event); err != nil {
		t.Fatalf("unreadable event should be dropped, got %v", err)
	}
	if len(rec.calls) != 0 {
		t.Error("RecordStatus should not be called for an unreadable event")
	}
}

func TestHandler_EmptyCatalogIsDropped(t *testing.T) {
	rec := &mockRecorder{}
	event := events.EventBridgeEvent{ID: "evt-1", Detail: json.RawMessage(`{"executionArn":"arn:exec:other","status":"SUCCEEDED","input":"{}"}`)}

	if err := newHandler(rec).handle(context.Background(), event); err != nil {
		t.Fatalf("event for an empty catalog should be dropped, got %v", err)
	}
	if len(rec.calls) != 0 {
		t.Error("RecordStatus should not be called for an empty catalog")
	}
}

func TestHandler_UnknownStatusIsDropped(t *testing.T) {
	rec := &mockRecorder{
		recordFunc: func(ctx context.Context, ev workflow.StatusEvent) error {
			return fmt.Errorf("%w: %s", workflow.ErrUnknownStatus, ev.Status)
		},
	}
	if err := newHandler(rec).handle(context.Background(), statusEvent("PENDING_REDRIVE")); err != nil {
		t.Fatalf("unknown status should be dropped, got %v", err)
	}
}

func TestHandler_StoreErrorIsReturned(t *testing.T) {
	storeErr := &dispatch.StateStoreError{Op: "record status", Err: errors.New("throttled")}
	rec := &mockRecorder{
		recordFunc: func(ctx context.Context, ev workflow.StatusEvent) error {
			return storeErr
		},
	}
	err := newHandler(rec).handle(context.Background(), statusEvent("FAILED"))
	if !errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want the store error", err)
	}
}
