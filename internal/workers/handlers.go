package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/services/scheduler"
)

// SearchHandler runs a keyword search for each search message.
func SearchHandler(search interfaces.SearchService, logger arbor.ILogger) Handler {
	return func(ctx context.Context, msg *models.QueueMessage) error {
		var payload models.SearchPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logger.Error().Err(err).Msg("Dropping malformed search payload")
			return nil
		}
		if len(payload.Keywords) == 0 {
			return nil
		}

		stats, err := search.Search(ctx, payload.Keywords, payload.Limit)
		if err != nil {
			return err
		}
		logger.Info().
			Int("webpages", stats.Webpages).
			Int("telegram_links", stats.TelegramLinks).
			Msg("Search task finished")
		return nil
	}
}

// CrawlHandler fetches the item's page and queues it for analysis. The
// size estimate is left to the accumulator since the extracted text is only
// known after the crawl.
func CrawlHandler(crawler interfaces.CrawlerService, queue interfaces.QueueManager, logger arbor.ILogger) Handler {
	return func(ctx context.Context, msg *models.QueueMessage) error {
		var payload models.CrawlPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logger.Error().Err(err).Msg("Dropping malformed crawl payload")
			return nil
		}

		if err := crawler.CrawlItem(ctx, payload.ItemID); err != nil {
			return err
		}

		next, err := models.NewMessage("analyze", payload.ItemID, models.AnalyzePayload{ItemID: payload.ItemID})
		if err != nil {
			return err
		}
		return queue.Enqueue(ctx, models.QueueAnalyze, next)
	}
}

// AnalyzeHandler registers a crawled item into the open batch job.
func AnalyzeHandler(batch interfaces.BatchService, logger arbor.ILogger) Handler {
	return func(ctx context.Context, msg *models.QueueMessage) error {
		var payload models.AnalyzePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logger.Error().Err(err).Msg("Dropping malformed analyze payload")
			return nil
		}

		_, err := batch.Register(ctx, payload.ItemID, payload.EstimatedSize)
		return err
	}
}

// TickHandler drives one batch tick. The poll queue carries periodic tick
// tasks from external producers; the in-process cron is the default driver.
func TickHandler(sched *scheduler.Service) Handler {
	return func(ctx context.Context, msg *models.QueueMessage) error {
		sched.RunTick(ctx)
		return nil
	}
}

// TelegramHandler ingests one detected channel identifier and writes the
// outcome back at the identifier's position in the item's analysis.
// Identifiers routed straight from search carry no item reference and skip
// the write-back.
func TelegramHandler(ingestor interfaces.TelegramIngestor, items interfaces.ItemStorage, logger arbor.ILogger) Handler {
	return func(ctx context.Context, msg *models.QueueMessage) error {
		var payload models.TelegramPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logger.Error().Err(err).Msg("Dropping malformed telegram payload")
			return nil
		}

		channelID, ingestErr := ingestor.IngestChannel(ctx, payload.Identifier)

		if payload.ItemID == "" || payload.Path == "" {
			return ingestErr
		}

		promotionIdx, identifierIdx, err := parseIdentifierPath(payload.Path)
		if err != nil {
			logger.Error().Err(err).Str("path", payload.Path).Msg("Dropping telegram task with bad path")
			return nil
		}

		errMsg := ""
		if ingestErr != nil {
			errMsg = ingestErr.Error()
		}
		if err := items.MarkIdentifierProcessed(ctx, payload.ItemID, promotionIdx, identifierIdx, channelID, errMsg); err != nil {
			return fmt.Errorf("failed to write back identifier outcome: %w", err)
		}
		return nil
	}
}

// parseIdentifierPath decodes "analysis.promotions.{p}.identifiers.{i}".
func parseIdentifierPath(path string) (promotionIdx, identifierIdx int, err error) {
	n, err := fmt.Sscanf(path, "analysis.promotions.%d.identifiers.%d", &promotionIdx, &identifierIdx)
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognised identifier path %q: %w", path, err)
	}
	if n != 2 || promotionIdx < 0 || identifierIdx < 0 {
		return 0, 0, fmt.Errorf("unrecognised identifier path %q", path)
	}
	return promotionIdx, identifierIdx, nil
}
