package batcher

import (
	"context"
	"fmt"

	"github.com/ternarybob/vigil/internal/models"
)

// FanOut emits one telegram follow-up task per channel identifier that has
// not been processed yet. Delivery is at-least-once; the dedup id keeps a
// still-queued identifier from being enqueued twice, and the downstream
// worker's write-back makes redelivery harmless.
func (s *Service) FanOut(ctx context.Context) (int, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	refs, err := s.items.ListUnprocessedIdentifiers(storeCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed identifiers: %w", err)
	}

	emitted := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}

		path := fmt.Sprintf("analysis.promotions.%d.identifiers.%d", ref.PromotionIdx, ref.IdentifierIdx)
		msg, err := models.NewMessage("telegram", ref.ItemID+":"+path, models.TelegramPayload{
			Identifier: ref.Identifier,
			ItemID:     ref.ItemID,
			Path:       path,
		})
		if err != nil {
			return emitted, err
		}
		if err := s.queue.Enqueue(ctx, models.QueueTelegram, msg); err != nil {
			return emitted, fmt.Errorf("failed to enqueue telegram task: %w", err)
		}
		emitted++
	}

	if emitted > 0 {
		s.logger.Info().Int("identifiers", emitted).Msg("Channel identifiers fanned out")
	}
	return emitted, nil
}
