package batcher

import (
	"context"
)

// SweepIdle seals the open job once it has been quiet for the configured
// idle window. A job with items that nobody has touched since the cutoff is
// flipped to pending and a fresh accepting job takes its place. Returns the
// sealed job's id, or "" when the open job was empty or still busy.
func (s *Service) SweepIdle(ctx context.Context) (string, error) {
	cutoff := s.now().Add(-s.config.IdleWindow())

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	jobID, err := s.store.SweepIdle(storeCtx, cutoff)
	if err != nil {
		return "", err
	}
	if jobID != "" {
		s.logger.Info().Str("job_id", jobID).Msg("Idle job sealed for submission")
	}
	return jobID, nil
}
