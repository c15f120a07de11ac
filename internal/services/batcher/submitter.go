package batcher

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/vigil/internal/models"
)

// SubmitPending materialises every pending job into a request file, uploads
// it and creates the provider batch. Provider errors before the handle is
// stamped fail the job; other jobs in the pass are unaffected.
func (s *Service) SubmitPending(ctx context.Context) ([]string, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	jobs, err := s.store.ListJobsByStatus(storeCtx, models.BatchStatusPending)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	var handles []string
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return handles, err
		}
		if job.ItemCount == 0 {
			continue
		}

		handle, err := s.submitJob(ctx, job)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Job submission failed")
			if err := s.failJob(ctx, job.ID, models.BatchStatusPending, err.Error()); err != nil {
				return handles, err
			}
			continue
		}
		if handle != "" {
			handles = append(handles, handle)
		}
	}
	return handles, nil
}

// submitJob handles one job end to end. The temporary request file is
// removed on every exit path.
func (s *Service) submitJob(ctx context.Context, job *models.BatchJob) (string, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	items, err := s.items.ListItemsForJob(storeCtx, job.ID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to load job items: %w", err)
	}
	if len(items) == 0 {
		s.logger.Warn().Str("job_id", job.ID).Msg("Pending job has no submittable items, skipping")
		return "", nil
	}

	path, err := s.writeRequestFile(job.ID, items)
	if err != nil {
		return "", err
	}
	defer os.Remove(path)

	displayName := fmt.Sprintf("batch-%s-%s", job.ID, s.now().Format("20060102-150405"))
	fileName, err := s.provider.UploadRequestFile(ctx, path, displayName)
	if err != nil {
		return "", err
	}

	handle, err := s.provider.CreateBatch(ctx, fileName)
	if err != nil {
		return "", err
	}

	storeCtx, cancel = s.storeCtx(ctx)
	ok, err := s.store.MarkSubmitted(storeCtx, job.ID, handle)
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to mark job submitted: %w", err)
	}
	if !ok {
		// Someone moved the job under us (reset, most likely). The
		// provider batch runs unowned; its results are simply dropped.
		s.logger.Warn().Str("job_id", job.ID).Str("handle", handle).Msg("Job left pending state during submit")
		return "", nil
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("handle", handle).
		Int("items", len(items)).
		Int64("file_size_bytes", job.FileSizeBytes).
		Msg("Batch job submitted")
	return handle, nil
}

func (s *Service) writeRequestFile(jobID string, items []*models.Item) (string, error) {
	f, err := os.CreateTemp("", "vigil-batch-*.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to create request file: %w", err)
	}
	path := f.Name()

	for _, item := range items {
		line, err := s.sizer.BuildLine(item)
		if err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		if _, err := f.Write(line); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("failed to write request file for job %s: %w", jobID, err)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close request file: %w", err)
	}
	return path, nil
}

func (s *Service) failJob(ctx context.Context, jobID string, from models.BatchStatus, reason string) error {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	_, err := s.store.TransitionStatus(storeCtx, jobID, from, models.BatchStatusFailed, reason)
	return err
}
