package main

import (
	"context"
	"errors"
	"testing"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/deadletter"
)

type mockQueue struct {
	inspectFunc func(ctx context.Context, limit int) ([]deadletter.Entry, error)
	redriveFunc func(ctx context.Context, limit int) (deadletter.RedriveResult, error)
	lastLimit   int
}

func (m *mockQueue) Inspect(ctx context.Context, limit int) ([]deadletter.Entry, error) {
	m.lastLimit = limit
	if m.inspectFunc != nil {
		return m.inspectFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockQueue) Redrive(ctx context.Context, limit int) (deadletter.RedriveResult, error) {
	m.lastLimit = limit
	if m.redriveFunc != nil {
		return m.redriveFunc(ctx, limit)
	}
	return deadletter.RedriveResult{}, nil
}

func TestHandler_Inspect(t *testing.T) {
	c := catalog.ProcessCatalog{
		WorkflowName:     "ingest",
		Collections:      []string{"landsat"},
		ItemIDs:          []string{"item-1"},
		PayloadReference: "s3://bucket/item-1.json",
	}
	q := &mockQueue{
		inspectFunc: func(ctx context.Context, limit int) ([]deadletter.Entry, error) {
			return []deadletter.Entry{
				{MessageID: "m1", ReceiveCount: 5, Body: "{}", Catalog: &c},
				{MessageID: "m2", ReceiveCount: 5, Body: "junk", ParseError: "invalid character"},
			}, nil
		},
	}

	resp, err := newHandler(q).handle(context.Background(), Request{Action: ActionInspect, MaxMessages: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.lastLimit != 5 {
		t.Errorf("limit = %d, want 5", q.lastLimit)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(resp.Entries))
	}
	if resp.Entries[0].CollectionsWorkflow != "landsat-ingest" || resp.Entries[0].ItemIDs != "item-1" {
		t.Errorf("entries[0] = %+v", resp.Entries[0])
	}
	if resp.Entries[1].ParseError == "" || resp.Entries[1].WorkflowName != "" {
		t.Errorf("entries[1] = %+v", resp.Entries[1])
	}
	if resp.Redrive != nil {
		t.Error("inspect should not report a redrive result")
	}
}

func TestHandler_Redrive(t *testing.T) {
	q := &mockQueue{
		redriveFunc: func(ctx context.Context, limit int) (deadletter.RedriveResult, error) {
			return deadletter.RedriveResult{Redriven: 3, Released: 2, Failed: []string{"m4"}}, nil
		},
	}

	resp, err := newHandler(q).handle(context.Background(), Request{Action: ActionRedrive})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Redrive == nil || resp.Redrive.Redriven != 3 || resp.Redrive.Released != 2 {
		t.Errorf("Redrive = %+v", resp.Redrive)
	}
	if q.lastLimit != defaultMaxMessages {
		t.Errorf("limit = %d, want default %d", q.lastLimit, defaultMaxMessages)
	}
}

func TestHandler_LimitIsCapped(t *testing.T) {
	q := &mockQueue{}
	if _, err := newHandler(q).handle(context.Background(), Request{Action: ActionInspect, MaxMessages: 10000}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.lastLimit != maxMaxMessages {
		t.Errorf("limit = %d, want %d", q.lastLimit, maxMaxMessages)
	}
}

func TestHandler_RedriveError(t *testing.T) {
	q := &mockQueue{
		redriveFunc: func(ctx context.Context, limit int) (deadletter.RedriveResult, error) {
			return deadletter.RedriveResult{Redriven: 1}, errors.New("receive failed")
		},
	}

	resp, err := newHandler(q).handle(context.Background(), Request{Action: ActionRedrive})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if resp.Redrive == nil || resp.Redrive.Redriven != 1 {
		t.Errorf("partial result should be reported, got %+v", resp.Redrive)
	}
}

func TestHandler_UnknownAction(t *testing.T) {
	if _, err := newHandler(&mockQueue{}).handle(context.Background(), Request{Action: "purge"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
}
