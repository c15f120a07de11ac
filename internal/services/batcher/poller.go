package batcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// PollSubmitted fetches the provider's view of every submitted job and
// advances the ones that finished. Transient provider errors and unknown
// handles leave the job submitted for the next tick. Returns the handles
// that moved.
func (s *Service) PollSubmitted(ctx context.Context) ([]string, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	jobs, err := s.store.ListJobsByStatus(storeCtx, models.BatchStatusSubmitted)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list submitted jobs: %w", err)
	}

	var advanced []string
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		if job.ProviderHandle == "" {
			s.logger.Warn().Str("job_id", job.ID).Msg("Submitted job has no provider handle")
			continue
		}

		state, err := s.provider.GetBatchState(ctx, job.ProviderHandle)
		if err != nil {
			if errors.Is(err, interfaces.ErrHandleNotFound) {
				// Provider may be briefly inconsistent after submit.
				// Never auto-fail on a missing record.
				s.logger.Warn().Str("job_id", job.ID).Str("handle", job.ProviderHandle).Msg("Provider does not know the handle yet")
			} else {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to poll batch state")
			}
			continue
		}

		moved, err := s.applyProviderState(ctx, job, state)
		if err != nil {
			return advanced, err
		}
		if moved {
			advanced = append(advanced, job.ProviderHandle)
		}
	}
	return advanced, nil
}

func (s *Service) applyProviderState(ctx context.Context, job *models.BatchJob, state interfaces.BatchState) (bool, error) {
	var (
		to     models.BatchStatus
		errMsg string
	)

	switch state {
	case interfaces.BatchStateSucceeded:
		to = models.BatchStatusProcessed
	case interfaces.BatchStateFailed, interfaces.BatchStateCancelled, interfaces.BatchStateExpired:
		to = models.BatchStatusFailed
		errMsg = fmt.Sprintf("provider reported %s", state)
	case interfaces.BatchStatePending, interfaces.BatchStateRunning:
		return false, nil
	default:
		s.logger.Warn().Str("job_id", job.ID).Str("state", string(state)).Msg("Unrecognised provider state")
		return false, nil
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	ok, err := s.store.TransitionStatus(storeCtx, job.ID, models.BatchStatusSubmitted, to, errMsg)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", job.ID, err)
	}
	if ok {
		s.logger.Info().
			Str("job_id", job.ID).
			Str("handle", job.ProviderHandle).
			Str("status", string(to)).
			Msg("Batch job advanced")
	}
	return ok, nil
}
