// Package dispatch starts one workflow execution per process catalog and
// records the resulting state transitions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/config"
	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
	"github.com/jarrod-lowe/catalog-dispatch/internal/payload"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
	"github.com/jarrod-lowe/catalog-dispatch/internal/workflow"
)

var logger = logging.New()

// StaleClaimAfter is how long a QUEUED record may stand before a new dispatch
// may take it over. Equal to the queue visibility timeout.
const StaleClaimAfter = 180 * time.Second

const staleClaimError = "claim expired before the workflow was started"

var executionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("catalog-dispatch/execution"))

// ExecutionName names the execution started for a claim. Every start of the
// same claim uses the same name, so Step Functions runs it at most once; a
// new claim of the key gets a new name.
func ExecutionName(key catalog.Key, claimedAt time.Time) string {
	data := key.CollectionsWorkflow + "\x00" + key.ItemIDs + "\x00" + claimedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(executionNamespace, []byte(data)).String()
}

// Store is the subset of the state store used by the dispatcher.
type Store interface {
	Get(ctx context.Context, key catalog.Key) (*statedb.StateRecord, error)
	PutIfAbsent(ctx context.Context, record *statedb.StateRecord) error
	Claim(ctx context.Context, record *statedb.StateRecord, overwritable ...statedb.State) error
	Update(ctx context.Context, key catalog.Key, fields statedb.Update) error
}

// EventAppender appends state transitions to the event log.
type EventAppender interface {
	Append(ctx context.Context, events ...eventlog.StateEvent) error
}

// Notifier publishes lifecycle messages.
type Notifier interface {
	Publish(ctx context.Context, channel notify.Channel, msg notify.Message) error
}

// WorkflowStarter starts workflow executions.
type WorkflowStarter interface {
	Start(ctx context.Context, workflowName, executionName string, input []byte) (string, error)
}

// PayloadChecker checks that a payload reference exists. Errors wrapping
// payload.ErrCheckFailed are transient; any other error makes the catalog invalid.
type PayloadChecker interface {
	Exists(ctx context.Context, ref string) error
}

// Dispatcher turns process catalogs into workflow executions.
type Dispatcher struct {
	store    Store
	events   EventAppender
	notifier Notifier
	starter  WorkflowStarter
	payloads PayloadChecker
	sem      *semaphore.Weighted

	executionName func(key catalog.Key, claimedAt time.Time) string
	now           func() time.Time
}

// New creates a Dispatcher that allows at most maxConcurrency dispatches in
// flight at once. A nil payloads skips the payload existence check.
func New(store Store, events EventAppender, notifier Notifier, starter WorkflowStarter, payloads PayloadChecker, maxConcurrency int) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = config.DefaultMaxConcurrency
	}
	return &Dispatcher{
		store:         store,
		events:        events,
		notifier:      notifier,
		starter:       starter,
		payloads:      payloads,
		sem:           semaphore.NewWeighted(int64(maxConcurrency)),
		executionName: ExecutionName,
		now:           time.Now,
	}
}

// Dispatch validates a catalog, claims its key and starts its workflow.
//
// A non-nil error means the message must be redelivered: the key's state is
// unknown or the start failed transiently. Invalid catalogs, conflicts and
// skipped keys return a nil error so the message is acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, c catalog.ProcessCatalog) (Outcome, error) {
	tracer := tracing.Tracer("catalog-dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow", c.WorkflowName),
		attribute.String("collections_workflow", c.Key().CollectionsWorkflow),
		attribute.String("item_ids", c.Key().ItemIDs),
	)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		tracing.RecordError(span, err)
		return Outcome{Status: StatusFailed, Catalog: c, Err: err}, err
	}
	defer d.sem.Release(1)

	out, err := d.dispatch(ctx, c)
	span.SetAttributes(attribute.String("outcome", string(out.Status)))
	if err != nil {
		tracing.RecordError(span, err)
	}
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, c catalog.ProcessCatalog) (Outcome, error) {
	if err := c.Validate(); err != nil {
		return d.invalid(ctx, c, err), nil
	}
	if d.payloads != nil {
		if err := d.payloads.Exists(ctx, c.PayloadReference); err != nil {
			if errors.Is(err, payload.ErrCheckFailed) {
				logger.WarnContext(ctx, "Payload check failed",
					slog.String("payload_reference", c.PayloadReference),
					slog.String("error", err.Error()),
				)
				return Outcome{Status: StatusFailed, Catalog: c, Err: err}, err
			}
			return d.invalid(ctx, c, catalog.Invalid("payloadReference %s: %v", c.PayloadReference, err)), nil
		}
	}

	input, err := json.Marshal(c)
	if err != nil {
		return d.invalid(ctx, c, catalog.Invalid("unencodable catalog: %v", err)), nil
	}

	key := c.Key()
	var transitions []eventlog.StateEvent

	existing, err := d.store.Get(ctx, key)
	if err != nil && !errors.Is(err, statedb.ErrNotFound) {
		return d.storeFailure(ctx, c, "get", err)
	}
	if existing != nil {
		switch existing.State {
		case statedb.StateProcessing:
			return d.alreadyRunning(ctx, c, existing.State), nil
		case statedb.StateQueued:
			if d.now().Sub(existing.StateUpdated) < StaleClaimAfter {
				return d.alreadyRunning(ctx, c, existing.State), nil
			}
			err := d.store.Update(ctx, key, statedb.Update{
				State:  statedb.StateFailed,
				Error:  staleClaimError,
				Expect: existing,
			})
			switch {
			case errors.Is(err, statedb.ErrConflict):
				return d.alreadyRunning(ctx, c, existing.State), nil
			case errors.Is(err, statedb.ErrNotFound):
			case err != nil:
				return d.storeFailure(ctx, c, "release stale claim", err)
			default:
				logger.WarnContext(ctx, "Released stale claim",
					slog.String("collections_workflow", key.CollectionsWorkflow),
					slog.String("item_ids", key.ItemIDs),
					slog.Time("claimed_at", existing.StateUpdated),
				)
				transitions = append(transitions, d.event(key, statedb.StateFailed, ""))
			}
		case statedb.StateCompleted, statedb.StateInvalid:
			if !c.Replace {
				logger.InfoContext(ctx, "Catalog already processed",
					slog.String("collections_workflow", key.CollectionsWorkflow),
					slog.String("item_ids", key.ItemIDs),
					slog.String("state", string(existing.State)),
				)
				return Outcome{Status: StatusSkipped, Catalog: c, ExecutionARN: existing.ExecutionARN}, nil
			}
		}
	}

	record := &statedb.StateRecord{
		Key:              key,
		State:            statedb.StateQueued,
		PayloadReference: c.PayloadReference,
	}
	if err := d.store.Claim(ctx, record, overwritableStates(c.Replace)...); err != nil {
		if errors.Is(err, statedb.ErrConflict) {
			return d.alreadyRunning(ctx, c, ""), nil
		}
		return d.storeFailure(ctx, c, "claim", err)
	}
	transitions = append(transitions, d.event(key, statedb.StateQueued, ""))

	arn, err := d.starter.Start(ctx, c.WorkflowName, d.executionName(key, record.StateUpdated), input)
	if err != nil {
		return d.startFailed(ctx, c, transitions, err)
	}

	err = d.store.Update(ctx, key, statedb.Update{
		State:        statedb.StateProcessing,
		ExecutionARN: arn,
		OnlyIf:       []statedb.State{statedb.StateQueued},
	})
	if err != nil {
		// The execution is running; its status events bring the record up to date.
		logger.WarnContext(ctx, "Failed to mark record PROCESSING",
			slog.String("collections_workflow", key.CollectionsWorkflow),
			slog.String("item_ids", key.ItemIDs),
			slog.String("execution_arn", arn),
			slog.String("error", err.Error()),
		)
	}
	transitions = append(transitions, d.event(key, statedb.StateProcessing, arn))

	logger.InfoContext(ctx, "Workflow started",
		slog.String("collections_workflow", key.CollectionsWorkflow),
		slog.String("item_ids", key.ItemIDs),
		slog.String("execution_arn", arn),
	)
	d.sideEffects(ctx, transitions, notify.ChannelWorkflow, d.message(c, notify.EventStarted, arn, ""))

	return Outcome{Status: StatusStarted, Catalog: c, ExecutionARN: arn}, nil
}

// startFailed rolls the claimed record back to FAILED.
func (d *Dispatcher) startFailed(ctx context.Context, c catalog.ProcessCatalog, transitions []eventlog.StateEvent, startErr error) (Outcome, error) {
	key := c.Key()
	logger.ErrorContext(ctx, "Failed to start workflow",
		slog.String("workflow", c.WorkflowName),
		slog.String("collections_workflow", key.CollectionsWorkflow),
		slog.String("item_ids", key.ItemIDs),
		slog.String("error", startErr.Error()),
	)

	err := d.store.Update(ctx, key, statedb.Update{
		State:  statedb.StateFailed,
		Error:  startErr.Error(),
		OnlyIf: []statedb.State{statedb.StateQueued},
	})
	if err != nil {
		// The record stays QUEUED until StaleClaimAfter lets a redelivery take it over.
		serr := &StateStoreError{Op: "rollback", Err: err}
		logger.ErrorContext(ctx, "Failed to roll back claim",
			slog.String("collections_workflow", key.CollectionsWorkflow),
			slog.String("item_ids", key.ItemIDs),
			slog.String("error", err.Error()),
		)
		d.sideEffects(ctx, transitions, notify.ChannelFailed, d.message(c, notify.EventFailed, "", startErr.Error()))
		return Outcome{Status: StatusFailed, Catalog: c, Err: serr}, serr
	}
	transitions = append(transitions, d.event(key, statedb.StateFailed, ""))
	d.sideEffects(ctx, transitions, notify.ChannelFailed, d.message(c, notify.EventFailed, "", startErr.Error()))

	if errors.Is(startErr, workflow.ErrWorkflowNotFound) {
		return Outcome{Status: StatusFailed, Catalog: c, Err: startErr}, nil
	}
	werr := &WorkflowStartError{Workflow: c.WorkflowName, Err: startErr}
	return Outcome{Status: StatusFailed, Catalog: c, Err: werr}, werr
}

func (d *Dispatcher) invalid(ctx context.Context, c catalog.ProcessCatalog, err error) Outcome {
	logger.WarnContext(ctx, "Invalid catalog",
		slog.String("workflow", c.WorkflowName),
		slog.String("error", err.Error()),
	)
	d.publish(ctx, notify.ChannelInvalid, d.message(c, notify.EventInvalid, "", err.Error()))
	return Outcome{Status: StatusInvalid, Catalog: c, Err: err}
}

func (d *Dispatcher) alreadyRunning(ctx context.Context, c catalog.ProcessCatalog, state statedb.State) Outcome {
	key := c.Key()
	logger.InfoContext(ctx, "Catalog already running",
		slog.String("collections_workflow", key.CollectionsWorkflow),
		slog.String("item_ids", key.ItemIDs),
		slog.String("state", string(state)),
	)
	return Outcome{Status: StatusAlreadyRunning, Catalog: c, Err: &ConflictError{Key: key, State: state}}
}

func (d *Dispatcher) storeFailure(ctx context.Context, c catalog.ProcessCatalog, op string, err error) (Outcome, error) {
	serr := &StateStoreError{Op: op, Err: err}
	logger.ErrorContext(ctx, "State store failure",
		slog.String("op", op),
		slog.String("collections_workflow", c.Key().CollectionsWorkflow),
		slog.String("item_ids", c.Key().ItemIDs),
		slog.String("error", err.Error()),
	)
	return Outcome{Status: StatusFailed, Catalog: c, Err: serr}, serr
}

func (d *Dispatcher) sideEffects(ctx context.Context, transitions []eventlog.StateEvent, channel notify.Channel, msg notify.Message) {
	sideEffects(ctx, d.events, d.notifier, transitions, publication{channel: channel, msg: msg})
}

func (d *Dispatcher) publish(ctx context.Context, channel notify.Channel, msg notify.Message) {
	publish(ctx, d.notifier, publication{channel: channel, msg: msg})
}

func (d *Dispatcher) event(key catalog.Key, state statedb.State, arn string) eventlog.StateEvent {
	return eventlog.StateEvent{Key: key, State: state, Timestamp: d.now().UTC(), ExecutionARN: arn}
}

func (d *Dispatcher) message(c catalog.ProcessCatalog, eventType, arn, errText string) notify.Message {
	key := c.Key()
	return notify.Message{
		EventType:           eventType,
		PayloadID:           c.PayloadID(),
		WorkflowName:        c.WorkflowName,
		CollectionsWorkflow: key.CollectionsWorkflow,
		ItemIDs:             key.ItemIDs,
		ExecutionARN:        arn,
		Error:               errText,
		Timestamp:           d.now().UTC(),
	}
}

// overwritableStates lists the states a new claim may replace.
func overwritableStates(replace bool) []statedb.State {
	states := []statedb.State{statedb.StateFailed, statedb.StateAborted}
	if replace {
		states = append(states, statedb.StateCompleted, statedb.StateInvalid)
	}
	return states
}
