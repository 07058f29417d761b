// Package executor runs one due schedule end to end: validate, research,
// format, enqueue, commit. Steps are strictly sequential and nothing before
// a failed step is rolled back — there is nothing to roll back, the first
// durable write is the outbox enqueue.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"researchflow/internal/domain"
	"researchflow/internal/format"
	"researchflow/internal/research"
	"researchflow/internal/store"
)

const DefaultMaxConsecutiveFailures = 5

type Executor struct {
	store       store.Store
	engine      research.Engine
	maxFailures int // consecutive engine failures before auto-deactivation
}

func New(st store.Store, engine research.Engine, maxFailures int) *Executor {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	return &Executor{store: st, engine: engine, maxFailures: maxFailures}
}

// Run executes one occurrence of s. On research failure last_run is left
// untouched so the schedule stays due next cycle; on validation failure the
// record is left entirely unchanged. If the enqueue lands but the last_run
// commit fails, the occurrence may re-run and enqueue again next cycle:
// at-least-once, accepted because the store offers no transaction spanning
// both writes.
func (e *Executor) Run(ctx context.Context, s domain.Schedule, now time.Time) error {
	logger := log.With().Str("schedule_id", s.ID).Str("channel_id", s.ChannelID).Logger()

	if err := research.ValidatePrompt(s.Prompt); err != nil {
		logger.Error().Err(err).Msg("prompt rejected, schedule left unchanged")
		return err
	}

	result, err := e.engine.DeepResearch(ctx, s.Prompt)
	if err != nil {
		logger.Error().Err(err).Msg("research failed, will retry next cycle")
		e.recordFailure(ctx, s.ID, logger)
		return err
	}
	if err := e.store.ResetScheduleFailures(ctx, s.ID); err != nil {
		logger.Error().Err(err).Msg("failed to reset failure counter")
	}

	body := format.Research(result)

	msgID, err := e.store.EnqueueOutbox(ctx, s.WorkspaceID, s.ChannelID, body)
	if err != nil {
		logger.Error().Err(err).Msg("failed to enqueue research result")
		return fmt.Errorf("executor: enqueue: %w", err)
	}

	if err := e.store.UpdateLastRun(ctx, s.ID, now.UTC()); err != nil {
		// The message is already enqueued; the occurrence may duplicate.
		logger.Error().Err(err).Str("message_id", msgID).Msg("enqueued but failed to advance last_run")
		return fmt.Errorf("executor: commit last_run: %w", err)
	}

	logger.Info().Str("message_id", msgID).Time("last_run", now.UTC()).Msg("research job completed")
	return nil
}

// recordFailure bumps the consecutive-failure counter and deactivates the
// schedule once it crosses the threshold, so a permanently broken prompt or
// a dead upstream does not hot-loop forever.
func (e *Executor) recordFailure(ctx context.Context, id string, logger zerolog.Logger) {
	n, err := e.store.RecordScheduleFailure(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record schedule failure")
		return
	}
	if n >= e.maxFailures {
		logger.Warn().Int("failures", n).Msg("failure threshold reached, deactivating schedule")
		if err := e.store.DeactivateSchedule(ctx, id); err != nil {
			logger.Error().Err(err).Msg("failed to deactivate schedule")
		}
	}
}
