package batcher

import (
	"context"
	"fmt"

	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// Register appends one crawled item to the open batch job. The size
// estimate normally arrives with the queue message; a zero estimate is
// recomputed here so admin-initiated registrations work too.
//
// Returns false without error when the item is already claimed by another
// job or is not eligible. Both are normal under concurrent workers.
func (s *Service) Register(ctx context.Context, itemID string, estimatedSize int64) (bool, error) {
	if estimatedSize <= 0 {
		item, err := s.getItem(ctx, itemID)
		if err != nil {
			return false, err
		}
		estimatedSize, err = s.sizer.EstimateSize(item)
		if err != nil {
			return false, err
		}
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	result, err := s.store.RegisterItem(storeCtx, itemID, estimatedSize, s.config.MaxBatchBytes)
	if err != nil {
		return false, fmt.Errorf("failed to register item %s: %w", itemID, err)
	}

	switch result.Outcome {
	case interfaces.Registered:
		s.logger.Debug().
			Str("item_id", itemID).
			Str("job_id", result.JobID).
			Int64("estimated_size", estimatedSize).
			Msg("Item registered")
		return true, nil
	case interfaces.AlreadyRegistered:
		s.logger.Debug().Str("item_id", itemID).Msg("Item already registered, skipping")
		return false, nil
	default:
		s.logger.Debug().Str("item_id", itemID).Msg("Item not eligible for registration")
		return false, nil
	}
}

// RegisterAll enqueues an analyze task for every eligible item: text
// present, no analysis, not claimed by a non-terminal job. Used by the
// operator surface to requeue items whose previous job failed.
func (s *Service) RegisterAll(ctx context.Context) (int, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	items, err := s.items.ListEligibleItems(storeCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list eligible items: %w", err)
	}

	enqueued := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}

		size, err := s.sizer.EstimateSize(item)
		if err != nil {
			s.logger.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to size item, skipping")
			continue
		}

		msg, err := models.NewMessage("analyze", item.ID, models.AnalyzePayload{
			ItemID:        item.ID,
			EstimatedSize: size,
		})
		if err != nil {
			return enqueued, err
		}
		if err := s.queue.Enqueue(ctx, models.QueueAnalyze, msg); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue analyze task for item %s: %w", item.ID, err)
		}
		enqueued++
	}

	s.logger.Info().Int("items", enqueued).Msg("Eligible items queued for analysis")
	return enqueued, nil
}

func (s *Service) getItem(ctx context.Context, itemID string) (*models.Item, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.items.GetItem(storeCtx, itemID)
}
