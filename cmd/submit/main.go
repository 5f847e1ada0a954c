// Package main implements the submit Lambda handler. It is invoked directly
// with a list of process catalogs and enqueues them for dispatch.
package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/config"
	"github.com/jarrod-lowe/catalog-dispatch/internal/submit"
)

var logger = logging.New()

// Request is the direct-invoke payload.
type Request struct {
	Catalogs []catalog.ProcessCatalog `json:"catalogs"`
}

// Submitter enqueues process catalogs.
type Submitter interface {
	Submit(ctx context.Context, catalogs ...catalog.ProcessCatalog) (submit.Result, error)
}

// handler implements the submit logic.
type handler struct {
	submitter Submitter
}

// newHandler creates a new handler.
func newHandler(submitter Submitter) *handler {
	return &handler{submitter: submitter}
}

func (h *handler) handle(ctx context.Context, req Request) (submit.Result, error) {
	tracer := tracing.Tracer("catalog-submit")
	ctx, span := tracer.Start(ctx, "SubmitHandler")
	defer span.End()

	if len(req.Catalogs) == 0 {
		return submit.Result{}, errors.New("catalogs must not be empty")
	}
	span.SetAttributes(attribute.Int("catalogs", len(req.Catalogs)))

	result, err := h.submitter.Submit(ctx, req.Catalogs...)
	if err != nil {
		tracing.RecordError(span, err)
		logger.ErrorContext(ctx, "Failed to submit catalogs",
			slog.Int("submitted", result.Submitted),
			slog.String("error", err.Error()),
		)
		return result, err
	}

	logger.InfoContext(ctx, "Catalogs submitted",
		slog.Int("submitted", result.Submitted),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("rejected", len(result.Rejected)),
		slog.Int("failed", len(result.Failed)),
	)
	return result, nil
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	cfg := config.Load()
	if cfg.ProcessQueueURL == "" {
		logger.Error("FATAL: PROCESS_QUEUE_URL is required")
		panic("missing process queue configuration")
	}

	publisher := submit.NewSQSPublisher(sqs.NewFromConfig(result.Config), cfg.ProcessQueueURL)

	h := newHandler(publisher)
	result.Start(h.handle)
}
