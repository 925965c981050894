// Package notify delivers task outcomes and scheduled messages to users:
// best-effort to live connections, and always to a durable per-owner
// result queue that clients can poll after reconnecting.
package notify

import (
	"context"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"taskcore/internal/domain"
	"taskcore/internal/metrics"
)

// Sink is the two-call contract the dispatcher and scheduler depend on.
type Sink interface {
	Push(ctx context.Context, owner string, env domain.Envelope)
	PopMany(ctx context.Context, owner string, limit int) ([]domain.Envelope, error)
}

type Notifier struct {
	hub     *Hub
	results ResultQueue
	clock   clock.Clock
}

func NewNotifier(hub *Hub, results ResultQueue, clk clock.Clock) *Notifier {
	if clk == nil {
		clk = clock.New()
	}
	return &Notifier{hub: hub, results: results, clock: clk}
}

// Push never fails from the caller's point of view; a lost append is
// logged.
func (n *Notifier) Push(ctx context.Context, owner string, env domain.Envelope) {
	if owner == "" {
		return
	}
	if env.DeliveredAt.IsZero() {
		env.DeliveredAt = n.clock.Now().UTC()
	}
	live := n.hub.Send(owner, env) > 0
	metrics.NotificationsTotal.WithLabelValues(env.Type, strconv.FormatBool(live)).Inc()

	if err := n.results.Append(ctx, owner, env); err != nil {
		log.Error().Err(err).Str("owner", owner).Str("type", env.Type).Msg("failed to persist notification")
	}
}

func (n *Notifier) PopMany(ctx context.Context, owner string, limit int) ([]domain.Envelope, error) {
	return n.results.PopMany(ctx, owner, limit)
}

// SendLive delivers to live connections only; used for ephemeral pings
// that make no sense to replay later.
func (n *Notifier) SendLive(owner string, env domain.Envelope) bool {
	if env.DeliveredAt.IsZero() {
		env.DeliveredAt = n.clock.Now().UTC()
	}
	return n.hub.Send(owner, env) > 0
}

func (n *Notifier) ConnectedOwners() []string {
	return n.hub.ConnectedOwners()
}
