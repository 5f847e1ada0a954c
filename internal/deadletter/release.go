package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jarrod-lowe/jmap-service-libs/logging"

	"github.com/jarrod-lowe/catalog-dispatch/internal/catalog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
	"github.com/jarrod-lowe/catalog-dispatch/internal/statedb"
)

var logger = logging.New()

// Store is the subset of the state store used to release dead-lettered keys.
type Store interface {
	Get(ctx context.Context, key catalog.Key) (*statedb.StateRecord, error)
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

// Releaser marks the state records of dead-lettered catalogs FAILED.
type Releaser struct {
	store    Store
	events   EventAppender
	notifier Notifier
	now      func() time.Time
}

// NewReleaser creates a new Releaser.
func NewReleaser(store Store, events EventAppender, notifier Notifier) *Releaser {
	return &Releaser{
		store:    store,
		events:   events,
		notifier: notifier,
		now:      time.Now,
	}
}

// Release moves a still-QUEUED record for the entry's catalog to FAILED so a
// redriven message can claim it again. It reports whether the record changed.
// Records in any other state, QUEUED records claimed within the last
// VisibilityTimeout, and entries without a catalog are left alone.
func (r *Releaser) Release(ctx context.Context, e Entry) (bool, error) {
	if e.Catalog == nil {
		logger.WarnContext(ctx, "Dead-lettered message is not a process catalog",
			slog.String("message_id", e.MessageID),
			slog.String("error", e.ParseError),
		)
		return false, nil
	}

	key := e.Catalog.Key()
	rec, err := r.store.Get(ctx, key)
	if errors.Is(err, statedb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state for %s: %w", key, err)
	}
	if rec.State != statedb.StateQueued {
		return false, nil
	}
	// A recent claim may belong to a dispatch that has not started its execution yet.
	if r.now().Sub(rec.StateUpdated) < VisibilityTimeout {
		logger.InfoContext(ctx, "Leaving recent claim in place",
			slog.String("message_id", e.MessageID),
			slog.String("collections_workflow", key.CollectionsWorkflow),
			slog.String("item_ids", key.ItemIDs),
		)
		return false, nil
	}

	reason := fmt.Sprintf("dead-lettered after %d receives", e.ReceiveCount)
	err = r.store.Update(ctx, key, statedb.Update{
		State:  statedb.StateFailed,
		Error:  reason,
		Expect: rec,
	})
	if errors.Is(err, statedb.ErrConflict) || errors.Is(err, statedb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to release %s: %w", key, err)
	}

	logger.InfoContext(ctx, "Released dead-lettered claim",
		slog.String("message_id", e.MessageID),
		slog.String("collections_workflow", key.CollectionsWorkflow),
		slog.String("item_ids", key.ItemIDs),
	)

	now := r.now().UTC()
	if err := r.events.Append(ctx, eventlog.StateEvent{Key: key, State: statedb.StateFailed, Timestamp: now}); err != nil {
		logger.WarnContext(ctx, "Failed to append state event",
			slog.String("error", err.Error()),
		)
	}
	err = r.notifier.Publish(ctx, notify.ChannelFailed, notify.Message{
		EventType:           notify.EventFailed,
		PayloadID:           e.Catalog.PayloadID(),
		WorkflowName:        e.Catalog.WorkflowName,
		CollectionsWorkflow: key.CollectionsWorkflow,
		ItemIDs:             key.ItemIDs,
		Error:               reason,
		Timestamp:           now,
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to publish notification",
			slog.String("channel", string(notify.ChannelFailed)),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}
