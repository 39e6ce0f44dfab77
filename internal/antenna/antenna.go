// Package antenna implements the online-notification broadcast of spec
// §4.9: on activation, a replica tells every other known replica in its
// group that it is back, so their relays can kick a bounded-delay
// catch-up instead of waiting for the next mutation. Generalized from the
// "online" pubsub channel internal/datanode already subscribes to; this
// package is the sender half, a thin parallel fan-out over HTTP.
package antenna

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua-repl/internal/cluster"
)

// Notifier is the subset of the DataNode wire protocol Broadcast drives:
// a one-way "I'm online" call to one peer's antenna endpoint.
type Notifier interface {
	NotifyOnline(ctx context.Context, peer cluster.Addr, self cluster.Addr) error
}

// Broadcast sends self's online notice to every address in peers,
// concurrently and best-effort: a failed or unreachable peer is logged
// and otherwise ignored, matching spec §7's "one-way calls are dropped
// with a log line" policy for ErrNoEndpoint. All calls of one broadcast
// share a single correlation id, used purely for log correlation across
// the fan-out; it is not part of the wire contract.
func Broadcast(ctx context.Context, notifier Notifier, log *zap.SugaredLogger, self cluster.Addr, peers []cluster.Addr) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	correlationID := uuid.NewString()

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		if peer == self {
			continue
		}
		g.Go(func() error {
			if err := notifier.NotifyOnline(gctx, peer, self); err != nil {
				log.Infow("antenna: online notice failed", "correlation_id", correlationID, "self", self, "peer", peer, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait() // each goroutine above logs and swallows its error; Wait never returns one
}
