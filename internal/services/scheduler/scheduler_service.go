package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// tickGuard is shaved off the tick deadline so store writes in flight can
// finish before the next tick starts.
const tickGuard = 2 * time.Second

// Service drives the periodic batch tick: idle sweep, submit, poll,
// complete, fan-out, strictly in that order. A mutex keeps ticks from
// overlapping when one runs long.
type Service struct {
	config  *common.BatchConfig
	batch   interfaces.BatchService
	cron    *cron.Cron
	logger  arbor.ILogger
	mu      sync.Mutex
	running bool
	entryID cron.EntryID
}

// NewService creates the scheduler.
func NewService(config *common.BatchConfig, batch interfaces.BatchService, logger arbor.ILogger) *Service {
	return &Service{
		config: config,
		batch:  batch,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
	}
}

// Start begins ticking at the configured period.
func (s *Service) Start() error {
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	interval := s.config.TickInterval()
	spec := fmt.Sprintf("@every %s", interval)

	entryID, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule batch tick: %w", err)
	}
	s.entryID = entryID
	s.cron.Start()
	s.running = true

	s.logger.Info().Dur("interval", interval).Msg("Batch scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running tick to finish.
func (s *Service) Stop() error {
	if !s.running {
		return nil
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	s.logger.Info().Msg("Batch scheduler stopped")
	return nil
}

// tick runs one pass of the batch lifecycle. The deadline is one tick
// interval minus a guard; components surrender at cancellation and the next
// tick resumes where this one left off.
func (s *Service) tick() {
	if !s.mu.TryLock() {
		s.logger.Warn().Msg("Previous batch tick still running, skipping")
		return
	}
	defer s.mu.Unlock()

	deadline := s.config.TickInterval() - tickGuard
	if deadline <= 0 {
		deadline = s.config.TickInterval()
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	s.RunTick(ctx)
}

// RunTick executes the five stages in order. Exported so the poll worker
// and tests can drive a tick directly.
func (s *Service) RunTick(ctx context.Context) {
	start := time.Now()

	if jobID, err := s.batch.SweepIdle(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Idle sweep failed")
	} else if jobID != "" {
		s.logger.Debug().Str("job_id", jobID).Msg("Idle sweep sealed a job")
	}

	if handles, err := s.batch.SubmitPending(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Submit stage failed")
	} else if len(handles) > 0 {
		s.logger.Debug().Int("submitted", len(handles)).Msg("Submit stage finished")
	}

	if advanced, err := s.batch.PollSubmitted(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Poll stage failed")
	} else if len(advanced) > 0 {
		s.logger.Debug().Int("advanced", len(advanced)).Msg("Poll stage finished")
	}

	if stats, err := s.batch.CompleteProcessed(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Complete stage failed")
	} else if stats.Jobs > 0 {
		s.logger.Debug().Int("jobs", stats.Jobs).Int("applied", stats.Applied).Msg("Complete stage finished")
	}

	if emitted, err := s.batch.FanOut(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Fan-out stage failed")
	} else if emitted > 0 {
		s.logger.Debug().Int("emitted", emitted).Msg("Fan-out stage finished")
	}

	s.logger.Debug().Dur("elapsed", time.Since(start)).Msg("Batch tick finished")
}
