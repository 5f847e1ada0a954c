package dispatch

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/catalog-dispatch/internal/eventlog"
	"github.com/jarrod-lowe/catalog-dispatch/internal/notify"
)

type publication struct {
	channel notify.Channel
	msg     notify.Message
}

// sideEffects appends the transitions and sends each publication concurrently.
// It runs after the state store holds the outcome; failures are logged and dropped.
func sideEffects(ctx context.Context, events EventAppender, notifier Notifier, transitions []eventlog.StateEvent, pubs ...publication) {
	var g errgroup.Group
	if len(transitions) > 0 {
		g.Go(func() error {
			if err := events.Append(ctx, transitions...); err != nil {
				logger.WarnContext(ctx, "Failed to append state events",
					slog.Int("events", len(transitions)),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	for _, p := range pubs {
		g.Go(func() error {
			publish(ctx, notifier, p)
			return nil
		})
	}
	_ = g.Wait()
}

func publish(ctx context.Context, notifier Notifier, p publication) {
	if err := notifier.Publish(ctx, p.channel, p.msg); err != nil {
		logger.WarnContext(ctx, "Failed to publish notification",
			slog.String("channel", string(p.channel)),
			slog.String("event_type", p.msg.EventType),
			slog.String("error", err.Error()),
		)
	}
}
