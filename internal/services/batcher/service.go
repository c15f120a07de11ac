package batcher

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// Service is the batcher facade. It accumulates crawled items into
// size-bounded jobs, submits them to the LLM batch provider, polls remote
// state, writes analyses back onto items and fans out follow-up tasks per
// detected channel identifier. All coordination goes through the store;
// the service itself keeps no state across calls.
type Service struct {
	config   *common.BatchConfig
	store    interfaces.BatchStorage
	items    interfaces.ItemStorage
	provider interfaces.BatchProvider
	queue    interfaces.QueueManager
	sizer    *RequestSizer
	logger   arbor.ILogger
	now      func() time.Time
}

// NewService creates the batch service and ensures the open job exists.
func NewService(config *common.BatchConfig, storage interfaces.StorageManager, provider interfaces.BatchProvider, queue interfaces.QueueManager, logger arbor.ILogger) (*Service, error) {
	svc := &Service{
		config:   config,
		store:    storage.BatchStorage(),
		items:    storage.ItemStorage(),
		provider: provider,
		queue:    queue,
		sizer:    NewRequestSizer(),
		logger:   logger,
		now:      time.Now,
	}

	ctx, cancel := svc.storeCtx(context.Background())
	defer cancel()
	if _, err := svc.store.EnsureOpenJob(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// storeCtx bounds a store call by the configured per-call deadline.
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.StoreTimeoutDuration())
}

// Reset fails every non-completed job, releases their ownership claims and
// re-opens a fresh accepting job. Operator action; nothing resets itself.
func (s *Service) Reset(ctx context.Context) (int, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	flipped, err := s.store.ResetNonCompleted(storeCtx)
	if err != nil {
		return 0, err
	}
	s.logger.Warn().Int("jobs", flipped).Msg("Batch state reset")
	return flipped, nil
}

// Stats returns the job-status histogram and item counters.
func (s *Service) Stats(ctx context.Context) (*models.BatchStats, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.Stats(storeCtx)
}
