// Package delivery drains the outbox to the chat surface. It shares nothing
// with the dispatcher but the durable store, so either side can fail or
// restart without affecting the other.
package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"researchflow/internal/messaging"
	"researchflow/internal/store"
)

type Worker struct {
	store    store.Store
	surface  messaging.Surface
	interval time.Duration
	limiter  *rate.Limiter
	stop     chan struct{}
}

// NewWorker builds a delivery worker. ratePerSec bounds posts to the chat
// surface (Slack throttles roughly at one message per second per channel).
func NewWorker(st store.Store, surface messaging.Surface, interval time.Duration, ratePerSec float64) *Worker {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &Worker{
		store:    st,
		surface:  surface,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
		stop:     make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", w.interval).Msg("delivery worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

func (w *Worker) Stop() {
	close(w.stop)
}

// RunCycle posts undelivered messages oldest first. A failed post leaves the
// message undelivered for the next cycle; a post that lands but whose
// mark-delivered write fails will be posted again (at-least-once). Returns
// the number delivered.
func (w *Worker) RunCycle(ctx context.Context) int {
	msgs, err := w.store.ListUndelivered(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list undelivered messages")
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}
	log.Info().Int("pending", len(msgs)).Msg("draining outbox")

	delivered := 0
	for _, m := range msgs {
		if err := w.limiter.Wait(ctx); err != nil {
			return delivered
		}
		if err := w.surface.Post(ctx, m.ChannelID, m.Body); err != nil {
			log.Error().Err(err).Str("message_id", m.ID).Str("channel_id", m.ChannelID).
				Msg("delivery failed, message stays queued")
			continue
		}
		if err := w.store.MarkDelivered(ctx, m.ID); err != nil {
			log.Error().Err(err).Str("message_id", m.ID).Msg("posted but failed to mark delivered")
			continue
		}
		delivered++
	}

	log.Info().Int("delivered", delivered).Int("pending", len(msgs)-delivered).Msg("delivery cycle finished")
	return delivered
}
