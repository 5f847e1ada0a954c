// Package main implements the dead-letter Lambda handler. It is invoked
// directly by operators to inspect the dead-letter queue or move its messages
// back to the process queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"

	appconfig "github.com/jarrod-lowe/catalog-dispatch/internal/config"
	"github.com/jarrod-lowe/catalog-dispatch/internal/deadletter"
	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
)

var logger = logging.New()

// Supported actions.
const (
	ActionInspect = "inspect"
	ActionRedrive = "redrive"
)

// Message limits per invocation.
const (
	defaultMaxMessages = 10
	maxMaxMessages     = 100
)

// Request is the direct-invoke payload.
type Request struct {
	Action      string `json:"action"`
	MaxMessages int    `json:"maxMessages,omitempty"`
}

// EntryView is the operator view of a dead-lettered message.
type EntryView struct {
	MessageID           string    `json:"messageId"`
	ReceiveCount        int       `json:"receiveCount"`
	FirstReceived       time.Time `json:"firstReceived,omitzero"`
	WorkflowName        string    `json:"workflowName,omitempty"`
	CollectionsWorkflow string    `json:"collectionsWorkflow,omitempty"`
	ItemIDs             string    `json:"itemIds,omitempty"`
	ParseError          string    `json:"parseError,omitempty"`
	Body                string    `json:"body"`
}

// Response is the direct-invoke result.
type Response struct {
	Entries []EntryView               `json:"entries,omitempty"`
	Redrive *deadletter.RedriveResult `json:"redrive,omitempty"`
}

// DeadLetterQueue reads and redrives the dead-letter queue.
type DeadLetterQueue interface {
	Inspect(ctx context.Context, limit int) ([]deadletter.Entry, error)
	Redrive(ctx context.Context, limit int) (deadletter.RedriveResult, error)
}

// handler implements the dead-letter logic.
type handler struct {
	queue DeadLetterQueue
}

// newHandler creates a new handler.
func newHandler(queue DeadLetterQueue) *handler {
	return &handler{queue: queue}
}

func (h *handler) handle(ctx context.Context, req Request) (Response, error) {
	limit := req.MaxMessages
	if limit <= 0 {
		limit = defaultMaxMessages
	}
	limit = min(limit, maxMaxMessages)

	switch req.Action {
	case ActionInspect:
		entries, err := h.queue.Inspect(ctx, limit)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to inspect dead-letter queue", slog.String("error", err.Error()))
			return Response{}, err
		}
		views := make([]EntryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, toView(e))
		}
		logger.InfoContext(ctx, "Dead-letter queue inspected", slog.Int("entries", len(views)))
		return Response{Entries: views}, nil

	case ActionRedrive:
		result, err := h.queue.Redrive(ctx, limit)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to redrive dead-letter queue",
				slog.Int("redriven", result.Redriven),
				slog.String("error", err.Error()),
			)
			return Response{Redrive: &result}, err
		}
		logger.InfoContext(ctx, "Dead-letter queue redriven",
			slog.Int("redriven", result.Redriven),
			slog.Int("released", result.Released),
			slog.Int("failed", len(result.Failed)),
		)
		return Response{Redrive: &result}, nil

	default:
		return Response{}, fmt.Errorf("unknown action %q", req.Action)
	}
}

func toView(e deadletter.Entry) EntryView {
	v := EntryView{
		MessageID:     e.MessageID,
		ReceiveCount:  e.ReceiveCount,
		FirstReceived: e.FirstReceived,
		ParseError:    e.ParseError,
		Body:          e.Body,
	}
	if e.Catalog != nil {
		key := e.Catalog.Key()
		v.WorkflowName = e.Catalog.WorkflowName
		v.CollectionsWorkflow = key.CollectionsWorkflow
		v.ItemIDs = key.ItemIDs
	}
	return v
}

func main() {
	ctx := context.Background()

	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	appCfg := appconfig.Load()
	if appCfg.DeadLetterQueueURL == "" || appCfg.ProcessQueueURL == "" {
		logger.Error("FATAL: DEAD_LETTER_QUEUE_URL and PROCESS_QUEUE_URL are required")
		panic("missing queue configuration")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	// Instrument AWS SDK clients with OTel tracing
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	store := statedb.NewRepository(dynamodb.NewFromConfig(cfg), appCfg.StateTableName)

	var appender deadletter.EventAppender = eventlog.NopWriter{}
	if appCfg.EventLogEnabled() {
		appender = eventlog.NewWriter(timestreamwrite.NewFromConfig(cfg), appCfg.EventDatabaseName, appCfg.EventTableName)
	}

	notifier := notify.NewPublisher(sns.NewFromConfig(cfg), appCfg.Topics())
	releaser := deadletter.NewReleaser(store, appender, notifier)
	queue := deadletter.NewQueue(sqs.NewFromConfig(cfg), appCfg.DeadLetterQueueURL, appCfg.ProcessQueueURL, releaser)

	h := newHandler(queue)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
