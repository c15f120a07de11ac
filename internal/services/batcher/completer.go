package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// resultLine is one line of the provider's result file. Only the fields the
// completer reads are decoded; everything else is ignored.
type resultLine struct {
	Key      string `json:"key"`
	Response struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	} `json:"response"`
}

// payloadText digs out the model's response text, "" when any hop of the
// path is missing.
func (l *resultLine) payloadText() string {
	if len(l.Response.Candidates) == 0 {
		return ""
	}
	parts := l.Response.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return ""
	}
	return parts[0].Text
}

// CompleteProcessed downloads the result file of every processed job,
// writes validated analyses onto the source items and completes the job.
// Malformed lines are logged and skipped; the job still completes. A store
// failure leaves the job processed so the next tick re-runs the write-back,
// which is idempotent.
func (s *Service) CompleteProcessed(ctx context.Context) (*interfaces.CompletionStats, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	jobs, err := s.store.ListJobsByStatus(storeCtx, models.BatchStatusProcessed)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list processed jobs: %w", err)
	}

	stats := &interfaces.CompletionStats{}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if job.ProviderHandle == "" {
			s.logger.Warn().Str("job_id", job.ID).Msg("Processed job has no provider handle")
			continue
		}

		if err := s.completeJob(ctx, job, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (s *Service) completeJob(ctx context.Context, job *models.BatchJob, stats *interfaces.CompletionStats) error {
	fileName, err := s.provider.GetResultFileName(ctx, job.ProviderHandle)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNoResultFile):
			s.logger.Debug().Str("job_id", job.ID).Msg("Result file not available yet")
		case errors.Is(err, interfaces.ErrHandleNotFound):
			s.logger.Warn().Str("job_id", job.ID).Str("handle", job.ProviderHandle).Msg("Provider lost the handle")
		default:
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to resolve result file")
		}
		return nil
	}

	data, err := s.provider.DownloadFile(ctx, fileName)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("file", fileName).Msg("Failed to download result file")
		return nil
	}

	applied, skipped, err := s.applyResults(ctx, job, string(data))
	stats.Applied += applied
	stats.SkippedLines += skipped
	if err != nil {
		return err
	}

	storeCtx, cancel := s.storeCtx(ctx)
	ok, err := s.store.TransitionStatus(storeCtx, job.ID, models.BatchStatusProcessed, models.BatchStatusCompleted, "")
	cancel()
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	if ok {
		stats.Jobs++
		s.logger.Info().
			Str("job_id", job.ID).
			Int("applied", applied).
			Int("skipped", skipped).
			Msg("Batch job completed")
	}
	return nil
}

// applyResults walks the result file line by line. Store errors abort so
// the completed flip never happens over a partial write-back.
func (s *Service) applyResults(ctx context.Context, job *models.BatchJob, content string) (applied, skipped int, err error) {
	for _, raw := range strings.Split(content, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		var line resultLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Result line is not JSON, skipping")
			skipped++
			continue
		}
		if line.Key == "" {
			s.logger.Warn().Str("job_id", job.ID).Msg("Result line has no key, skipping")
			skipped++
			continue
		}

		text := line.payloadText()
		if text == "" {
			s.logger.Warn().Str("job_id", job.ID).Str("item_id", line.Key).Msg("Result line has no response text, skipping")
			skipped++
			continue
		}

		analysis, err := models.ParseAnalysis([]byte(text))
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Str("item_id", line.Key).Msg("Skipping malformed analysis payload")
			skipped++
			continue
		}

		storeCtx, cancel := s.storeCtx(ctx)
		err = s.items.ApplyAnalysis(storeCtx, line.Key, analysis)
		cancel()
		if err != nil {
			return applied, skipped, fmt.Errorf("failed to apply analysis to item %s: %w", line.Key, err)
		}
		applied++
	}
	return applied, skipped, nil
}
