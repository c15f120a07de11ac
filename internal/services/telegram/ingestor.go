package telegram

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
)

// Ingestor handles the fan-out tasks for detected channel identifiers.
// Joining and scraping a channel needs an authenticated client session that
// this service does not own; when disabled it acknowledges the task so the
// write-back still records the identifier as seen.
type Ingestor struct {
	config *common.TelegramConfig
	logger arbor.ILogger
}

// NewIngestor creates the channel ingestor.
func NewIngestor(config *common.TelegramConfig, logger arbor.ILogger) *Ingestor {
	return &Ingestor{config: config, logger: logger}
}

// IngestChannel resolves and ingests one channel identifier. Returns the
// numeric channel id on success, 0 when ingestion is disabled.
func (i *Ingestor) IngestChannel(ctx context.Context, identifier string) (int64, error) {
	if !i.config.Enabled {
		i.logger.Info().Str("identifier", identifier).Msg("Channel ingestion disabled, acknowledging")
		return 0, nil
	}

	// TODO: wire the MTProto client once session storage is settled.
	i.logger.Warn().Str("identifier", identifier).Msg("Channel ingestion enabled but no client is configured")
	return 0, nil
}
