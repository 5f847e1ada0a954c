// Package main implements the update-state Lambda handler. It receives Step
// Functions execution status change events from EventBridge.
package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/catalog-dispatch/internal/config"
	"github.com/jarrod-lowe/catalog-dispatch/internal/dispatch"
	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
	"github.com/jarrod-lowe/catalog-dispatch/internal/workflow"
)

var logger = logging.New()

// StatusRecorder applies an execution status to the state store.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, ev workflow.StatusEvent) error
}

// handler implements the update-state logic.
type handler struct {
	recorder StatusRecorder
}

// newHandler creates a new handler.
func newHandler(recorder StatusRecorder) *handler {
	return &handler{recorder: recorder}
}

// handle records one execution status change. Events that can never be
// applied are logged and dropped; a store failure is returned so the event is
// retried.
func (h *handler) handle(ctx context.Context, event events.EventBridgeEvent) error {
	tracer := tracing.Tracer("catalog-update-state")
	ctx, span := tracer.Start(ctx, "UpdateStateHandler", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", event.ID),
		attribute.String("detail_type", event.DetailType),
	)

	ev, err := workflow.ParseStatusEvent(event.Detail)
	if err != nil {
		logger.WarnContext(ctx, "Dropping unreadable status event",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	span.SetAttributes(
		attribute.String("execution_arn", ev.ExecutionARN),
		attribute.String("status", ev.Status),
	)

	if err := h.recorder.RecordStatus(ctx, ev); err != nil {
		if errors.Is(err, workflow.ErrUnknownStatus) {
			logger.WarnContext(ctx, "Dropping status event with unknown status",
				slog.String("execution_arn", ev.ExecutionARN),
				slog.String("status", ev.Status),
			)
			return nil
		}
		tracing.RecordError(span, err)
		logger.ErrorContext(ctx, "Failed to record execution status",
			slog.String("execution_arn", ev.ExecutionARN),
			slog.String("status", ev.Status),
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.InfoContext(ctx, "Execution status recorded",
		slog.String("execution_arn", ev.ExecutionARN),
		slog.String("status", ev.Status),
		slog.String("collections_workflow", ev.Catalog.Key().CollectionsWorkflow),
		slog.String("item_ids", ev.Catalog.Key().ItemIDs),
	)
	return nil
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	cfg := config.Load()

	store := statedb.NewRepository(dbclient.NewClient(result.Config), cfg.StateTableName)

	var appender dispatch.EventAppender = eventlog.NopWriter{}
	if cfg.EventLogEnabled() {
		appender = eventlog.NewWriter(timestreamwrite.NewFromConfig(result.Config), cfg.EventDatabaseName, cfg.EventTableName)
	}

	notifier := notify.NewPublisher(sns.NewFromConfig(result.Config), cfg.Topics())

	h := newHandler(dispatch.NewRecorder(store, appender, notifier))
	result.Start(h.handle)
}
