// Package main implements the state-summary Lambda handler. It is invoked
// directly and reports the processing state of one collections/workflow scope.
package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/timestreamquery"
	"github.com/jarrod-lowe/jmap-service-libs/awsinit"
	"github.com/jarrod-lowe/jmap-service-libs/dbclient"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/config"
	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
)

var logger = logging.New()

const (
	defaultWindow = 24 * time.Hour
	defaultLimit  = 50
	maxLimit      = 500
)

// Request is the direct-invoke payload. Scope may be given directly or as
// collections plus workflow.
type Request struct {
	Scope       string   `json:"scope,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Workflow    string   `json:"workflow,omitempty"`
	State       string   `json:"state,omitempty"`
	SinceHours  int      `json:"sinceHours,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// ItemView is one state record.
type ItemView struct {
	ItemIDs      string    `json:"itemIds"`
	State        string    `json:"state"`
	StateUpdated time.Time `json:"stateUpdated"`
	ExecutionARN string    `json:"executionArn,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// EventView is one state transition.
type EventView struct {
	ItemIDs      string    `json:"itemIds"`
	State        string    `json:"state"`
	Timestamp    time.Time `json:"timestamp"`
	ExecutionARN string    `json:"executionArn,omitempty"`
}

// Response is the direct-invoke result.
type Response struct {
	Scope  string         `json:"scope"`
	Since  time.Time      `json:"since"`
	Counts map[string]int `json:"counts"`
	Items  []ItemView     `json:"items"`
	Recent []EventView    `json:"recent,omitempty"`
}

// StateQuerier reads the state table.
type StateQuerier interface {
	CountByState(ctx context.Context, scope string, tr statedb.TimeRange) (map[statedb.State]int, error)
	QueryByState(ctx context.Context, scope string, state statedb.State, tr statedb.TimeRange) iter.Seq2[statedb.StateRecord, error]
	QueryByUpdated(ctx context.Context, scope string, tr statedb.TimeRange) iter.Seq2[statedb.StateRecord, error]
}

// EventReader reads the event log.
type EventReader interface {
	Recent(ctx context.Context, scope string, since time.Time, limit int) ([]eventlog.StateEvent, error)
}

// handler implements the state-summary logic.
type handler struct {
	states StateQuerier
	events EventReader
	now    func() time.Time
}

// newHandler creates a new handler. events may be nil when no event log is
// configured.
func newHandler(states StateQuerier, events EventReader) *handler {
	return &handler{
		states: states,
		events: events,
		now:    time.Now,
	}
}

func (h *handler) handle(ctx context.Context, req Request) (Response, error) {
	tracer := tracing.Tracer("catalog-state-summary")
	ctx, span := tracer.Start(ctx, "StateSummaryHandler")
	defer span.End()

	scope := req.Scope
	if scope == "" {
		if len(req.Collections) == 0 || req.Workflow == "" {
			return Response{}, errors.New("scope or collections and workflow are required")
		}
		scope = catalog.Scope(req.Collections, req.Workflow)
	}

	var state statedb.State
	if req.State != "" {
		state = statedb.State(req.State)
		if !state.Valid() {
			return Response{}, fmt.Errorf("unknown state %q", req.State)
		}
	}

	window := defaultWindow
	if req.SinceHours > 0 {
		window = time.Duration(req.SinceHours) * time.Hour
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)

	since := h.now().Add(-window).UTC()
	tr := statedb.TimeRange{From: since}
	span.SetAttributes(
		attribute.String("scope", scope),
		attribute.String("state", req.State),
	)

	counts, err := h.states.CountByState(ctx, scope, tr)
	if err != nil {
		tracing.RecordError(span, err)
		logger.ErrorContext(ctx, "Failed to count states", slog.String("scope", scope), slog.String("error", err.Error()))
		return Response{}, err
	}

	resp := Response{
		Scope:  scope,
		Since:  since,
		Counts: make(map[string]int, len(counts)),
		Items:  []ItemView{},
	}
	for s, n := range counts {
		resp.Counts[string(s)] = n
	}

	records := h.states.QueryByUpdated(ctx, scope, tr)
	if state != "" {
		records = h.states.QueryByState(ctx, scope, state, tr)
	}
	for rec, err := range records {
		if err != nil {
			tracing.RecordError(span, err)
			logger.ErrorContext(ctx, "Failed to list state records", slog.String("scope", scope), slog.String("error", err.Error()))
			return Response{}, err
		}
		resp.Items = append(resp.Items, ItemView{
			ItemIDs:      rec.Key.ItemIDs,
			State:        string(rec.State),
			StateUpdated: rec.StateUpdated,
			ExecutionARN: rec.ExecutionARN,
			LastError:    rec.LastError,
		})
		if len(resp.Items) >= limit {
			break
		}
	}

	if h.events != nil {
		events, err := h.events.Recent(ctx, scope, since, limit)
		if err != nil {
			// The event log is supplementary; the summary is still useful without it.
			logger.WarnContext(ctx, "Failed to read event log", slog.String("scope", scope), slog.String("error", err.Error()))
		}
		for _, e := range events {
			resp.Recent = append(resp.Recent, EventView{
				ItemIDs:      e.Key.ItemIDs,
				State:        string(e.State),
				Timestamp:    e.Timestamp,
				ExecutionARN: e.ExecutionARN,
			})
		}
	}

	logger.InfoContext(ctx, "State summary built",
		slog.String("scope", scope),
		slog.Int("items", len(resp.Items)),
		slog.Int("events", len(resp.Recent)),
	)
	return resp, nil
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

	var events EventReader
	if cfg.EventLogEnabled() {
		events = eventlog.NewReader(timestreamquery.NewFromConfig(result.Config), cfg.EventDatabaseName, cfg.EventTableName)
	}

	h := newHandler(store, events)
	result.Start(h.handle)
}
