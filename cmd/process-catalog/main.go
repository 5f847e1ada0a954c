// Package main implements the process-catalog SQS consumer Lambda handler.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/config"
	"github.com/jarrod-lowe/catalog-dispatch/internal/dispatch"
	"github.com/jarrod-lowe/catalog-dispatch/internal/dynamo"
	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
	"github.com/jarrod-lowe/catalog-dispatch/internal/payload"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
	"github.com/jarrod-lowe/catalog-dispatch/internal/workflow"
)

var logger = logging.New()

// Dispatcher dispatches one process catalog.
type Dispatcher interface {
	Dispatch(ctx context.Context, c catalog.ProcessCatalog) (dispatch.Outcome, error)
}

// Notifier publishes lifecycle messages.
type Notifier interface {
	Publish(ctx context.Context, channel notify.Channel, msg notify.Message) error
}

// handler implements the process-catalog SQS consumer logic.
type handler struct {
	dispatcher     Dispatcher
	notifier       Notifier
	maxConcurrency int
}

// newHandler creates a new handler.
func newHandler(dispatcher Dispatcher, notifier Notifier, maxConcurrency int) *handler {
	if maxConcurrency <= 0 {
		maxConcurrency = config.DefaultMaxConcurrency
	}
	return &handler{
		dispatcher:     dispatcher,
		notifier:       notifier,
		maxConcurrency: maxConcurrency,
	}
}

// handle dispatches every process catalog in the batch concurrently and
// reports the records that must be redelivered.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := tracing.Tracer("catalog-process")
	ctx, span := tracer.Start(ctx, "ProcessCatalogHandler", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	failed := make([]bool, len(event.Records))
	var mu sync.Mutex
	counts := make(map[dispatch.Status]int)

	var g errgroup.Group
	g.SetLimit(h.maxConcurrency)
	for i, record := range event.Records {
		g.Go(func() error {
			status, err := h.processRecord(ctx, record)
			mu.Lock()
			defer mu.Unlock()
			counts[status]++
			failed[i] = err != nil
			return nil
		})
	}
	_ = g.Wait()

	var failures []events.SQSBatchItemFailure
	for i, record := range event.Records {
		if failed[i] {
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("total", len(event.Records)),
		attribute.Int("failures", len(failures)),
	)
	logger.InfoContext(ctx, "Process catalog batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("started", counts[dispatch.StatusStarted]),
		slog.Int("already_running", counts[dispatch.StatusAlreadyRunning]),
		slog.Int("skipped", counts[dispatch.StatusSkipped]),
		slog.Int("invalid", counts[dispatch.StatusInvalid]),
		slog.Int("failed", counts[dispatch.StatusFailed]),
		slog.Int("failures", len(failures)),
	)

	return events.SQSEventResponse{
		BatchItemFailures: failures,
	}, nil
}

// processRecord dispatches a single message. A non-nil error means the
// message must be redelivered.
func (h *handler) processRecord(ctx context.Context, record events.SQSMessage) (dispatch.Status, error) {
	c, err := catalog.Parse(unwrapBody(record.Body))
	if err != nil {
		logger.WarnContext(ctx, "Failed to parse process catalog",
			slog.String("message_id", record.MessageId),
			slog.String("error", err.Error()),
		)
		pubErr := h.notifier.Publish(ctx, notify.ChannelInvalid, notify.Message{
			EventType: notify.EventInvalid,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		if pubErr != nil {
			logger.WarnContext(ctx, "Failed to publish notification",
				slog.String("channel", string(notify.ChannelInvalid)),
				slog.String("error", pubErr.Error()),
			)
		}
		return dispatch.StatusInvalid, nil
	}

	out, err := h.dispatcher.Dispatch(ctx, c)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to dispatch process catalog",
			slog.String("message_id", record.MessageId),
			slog.String("collections_workflow", c.Key().CollectionsWorkflow),
			slog.String("item_ids", c.Key().ItemIDs),
			slog.String("error", err.Error()),
		)
		return out.Status, err
	}
	return out.Status, nil
}

// unwrapBody returns the inner message of an SNS notification delivered to the
// queue without raw message delivery, and the body unchanged otherwise.
func unwrapBody(body string) []byte {
	var entity events.SNSEntity
	if err := json.Unmarshal([]byte(body), &entity); err == nil && entity.Type == "Notification" && entity.Message != "" {
		return []byte(entity.Message)
	}
	return []byte(body)
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	cfg := config.Load()

	dynamoClient := dbclient.NewClient(result.Config)

	// Warm DynamoDB connection
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, _ = dynamoClient.GetItem(warmCtx, &dynamodb.GetItemInput{
		TableName: aws.String(cfg.StateTableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: "WARMUP"},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: "WARMUP"},
		},
	})
	cancel()

	store := statedb.NewRepository(dynamoClient, cfg.StateTableName)

	var appender dispatch.EventAppender = eventlog.NopWriter{}
	if cfg.EventLogEnabled() {
		appender = eventlog.NewWriter(timestreamwrite.NewFromConfig(result.Config), cfg.EventDatabaseName, cfg.EventTableName)
	}

	notifier := notify.NewPublisher(sns.NewFromConfig(result.Config), cfg.Topics())

	starter := workflow.NewStarter(sfn.NewFromConfig(result.Config), cfg.BaseWorkflowARN, cfg.WorkflowStartTimeout)

	// Payload checks: S3 HEAD for s3:// references, signed or plain HTTP HEAD otherwise
	baseTransport := otelhttp.NewTransport(http.DefaultTransport)
	transport := payload.NewExecuteAPITransport(baseTransport, result.Config.Credentials, result.Config.Region)
	httpClient := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	checker := payload.NewChecker(s3.NewFromConfig(result.Config), httpClient, cfg.PayloadBucket)

	d := dispatch.New(store, appender, notifier, starter, checker, cfg.MaxConcurrency)

	h := newHandler(d, notifier, cfg.MaxConcurrency)
	result.Start(h.handle)
}
