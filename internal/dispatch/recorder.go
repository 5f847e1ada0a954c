package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
	"github.com/jarrod-lowe/catalog-dispatch/internal/workflow"
)

// Recorder applies workflow execution status changes to the state store.
type Recorder struct {
	store    Store
	events   EventAppender
	notifier Notifier
	now      func() time.Time
}

// NewRecorder creates a new Recorder.
func NewRecorder(store Store, events EventAppender, notifier Notifier) *Recorder {
	return &Recorder{
		store:    store,
		events:   events,
		notifier: notifier,
		now:      time.Now,
	}
}

// RecordStatus moves the record of the event's catalog to the state its
// execution reached. Events from an execution other than the record's current
// one are ignored. A RUNNING event only repairs a record still QUEUED.
// A returned error means the state store was not updated.
func (r *Recorder) RecordStatus(ctx context.Context, ev workflow.StatusEvent) error {
	tracer := tracing.Tracer("catalog-dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.RecordStatus")
	defer span.End()

	state, err := workflow.StatusToState(ev.Status, ev.Error)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	key := ev.Catalog.Key()
	span.SetAttributes(
		attribute.String("collections_workflow", key.CollectionsWorkflow),
		attribute.String("item_ids", key.ItemIDs),
		attribute.String("execution_arn", ev.ExecutionARN),
		attribute.String("state", string(state)),
	)

	fields := statedb.Update{
		State:        state,
		ExecutionARN: ev.ExecutionARN,
		Error:        statusError(ev),
		ForExecution: ev.ExecutionARN,
	}
	if !state.Terminal() {
		fields.OnlyIf = []statedb.State{statedb.StateQueued}
	}

	err = r.store.Update(ctx, key, fields)
	if errors.Is(err, statedb.ErrNotFound) {
		err = r.create(ctx, ev, state, fields)
	}
	switch {
	case errors.Is(err, statedb.ErrConflict):
		logger.InfoContext(ctx, "Ignoring status event for superseded record",
			slog.String("collections_workflow", key.CollectionsWorkflow),
			slog.String("item_ids", key.ItemIDs),
			slog.String("execution_arn", ev.ExecutionARN),
			slog.String("status", ev.Status),
		)
		return nil
	case err != nil:
		serr := &StateStoreError{Op: "record status", Err: err}
		tracing.RecordError(span, serr)
		return serr
	}

	logger.InfoContext(ctx, "Recorded execution status",
		slog.String("collections_workflow", key.CollectionsWorkflow),
		slog.String("item_ids", key.ItemIDs),
		slog.String("execution_arn", ev.ExecutionARN),
		slog.String("state", string(state)),
	)

	ts := ev.Time
	if ts.IsZero() {
		ts = r.now().UTC()
	}
	transition := eventlog.StateEvent{Key: key, State: state, Timestamp: ts, ExecutionARN: ev.ExecutionARN}
	sideEffects(ctx, r.events, r.notifier, []eventlog.StateEvent{transition}, r.publications(ev, state, ts)...)
	return nil
}

// create writes the record when the status event arrives for a key the
// state store has no record of.
func (r *Recorder) create(ctx context.Context, ev workflow.StatusEvent, state statedb.State, fields statedb.Update) error {
	err := r.store.PutIfAbsent(ctx, &statedb.StateRecord{
		Key:              ev.Catalog.Key(),
		State:            state,
		ExecutionARN:     ev.ExecutionARN,
		PayloadReference: ev.Catalog.PayloadReference,
		LastError:        fields.Error,
	})
	if errors.Is(err, statedb.ErrConflict) {
		// Created concurrently; apply the transition to that record instead.
		return r.store.Update(ctx, ev.Catalog.Key(), fields)
	}
	return err
}

func (r *Recorder) publications(ev workflow.StatusEvent, state statedb.State, ts time.Time) []publication {
	eventType, extra := notification(state)
	if eventType == "" {
		return nil
	}

	key := ev.Catalog.Key()
	msg := notify.Message{
		EventType:           eventType,
		PayloadID:           ev.Catalog.PayloadID(),
		WorkflowName:        ev.Catalog.WorkflowName,
		CollectionsWorkflow: key.CollectionsWorkflow,
		ItemIDs:             key.ItemIDs,
		ExecutionARN:        ev.ExecutionARN,
		Error:               statusError(ev),
		Timestamp:           ts,
	}

	pubs := []publication{{channel: notify.ChannelWorkflow, msg: msg}}
	if extra != "" {
		pubs = append(pubs, publication{channel: extra, msg: msg})
	}
	return pubs
}

// notification returns the event type for a state and the channel, besides the
// workflow channel, that also hears about it.
func notification(state statedb.State) (string, notify.Channel) {
	switch state {
	case statedb.StateCompleted:
		return notify.EventCompleted, ""
	case statedb.StateFailed:
		return notify.EventFailed, notify.ChannelFailed
	case statedb.StateInvalid:
		return notify.EventInvalid, notify.ChannelInvalid
	case statedb.StateAborted:
		return notify.EventAborted, ""
	default:
		// Starts are announced by the dispatcher.
		return "", ""
	}
}

func statusError(ev workflow.StatusEvent) string {
	switch {
	case ev.Error != "" && ev.Cause != "":
		return ev.Error + ": " + ev.Cause
	case ev.Error != "":
		return ev.Error
	default:
		return ev.Cause
	}
}
