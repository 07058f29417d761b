// Package dispatcher drives the periodic due-schedule sweep.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"researchflow/internal/domain"
	"researchflow/internal/recurrence"
	"researchflow/internal/store"
)

const leaseName = "dispatcher"

// Runner executes one due schedule. Satisfied by *executor.Executor.
type Runner interface {
	Run(ctx context.Context, s domain.Schedule, now time.Time) error
}

type Service struct {
	store       store.Store
	runner      Runner
	interval    time.Duration
	concurrency int
	leaseTTL    time.Duration
	holder      string
	stop        chan struct{}
}

func NewService(st store.Store, runner Runner, interval time.Duration, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Service{
		store:       st,
		runner:      runner,
		interval:    interval,
		concurrency: concurrency,
		// A cycle that outlives twice the polling interval is stuck;
		// let the lease lapse so a healthy instance can take over.
		leaseTTL: 2 * interval,
		holder:   "disp_" + uuid.NewString(),
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.RunCycle(ctx, now.UTC())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// RunCycle evaluates every active schedule against now and executes the due
// ones concurrently, bounded by the configured concurrency. Each schedule is
// independent: an evaluation or execution failure is logged and never aborts
// the batch. Returns the number of schedules executed.
func (s *Service) RunCycle(ctx context.Context, now time.Time) int {
	ok, err := s.store.AcquireLease(ctx, leaseName, s.holder, s.leaseTTL)
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire dispatcher lease")
		return 0
	}
	if !ok {
		log.Info().Msg("dispatcher lease held elsewhere, skipping cycle")
		return 0
	}
	defer func() {
		if err := s.store.ReleaseLease(ctx, leaseName, s.holder); err != nil {
			log.Error().Err(err).Msg("failed to release dispatcher lease")
		}
	}()

	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active schedules")
		return 0
	}

	var (
		processed int64
		wg        sync.WaitGroup
		sem       = make(chan struct{}, s.concurrency)
	)
	for _, schedule := range schedules {
		due, err := recurrence.IsDue(schedule.CronExpr, schedule.Timezone, schedule.LastRun, now)
		if err != nil {
			// Fail closed: a malformed expression is never due.
			log.Error().Err(err).Str("schedule_id", schedule.ID).Str("cron_expr", schedule.CronExpr).
				Msg("recurrence evaluation failed")
			continue
		}
		if !due {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(sc domain.Schedule) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.runner.Run(ctx, sc, now); err != nil {
				log.Error().Err(err).Str("schedule_id", sc.ID).Msg("schedule execution failed")
			}
			atomic.AddInt64(&processed, 1)
		}(schedule)
	}
	wg.Wait()

	n := int(atomic.LoadInt64(&processed))
	log.Info().Int("processed", n).Int("total", len(schedules)).Msg("dispatcher cycle finished")
	return n
}
