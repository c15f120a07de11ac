package interfaces

import (
	"context"

	"github.com/ternarybob/vigil/internal/models"
)

// BatchService is the batcher facade exposed to workers, the scheduler and
// the admin API.
type BatchService interface {
	// Register appends one crawled item to the open batch job.
	// Returns false when a concurrent worker already registered it.
	Register(ctx context.Context, itemID string, estimatedSize int64) (bool, error)

	// RegisterAll enqueues every eligible item onto the analyze queue.
	RegisterAll(ctx context.Context) (int, error)

	// SweepIdle seals the open job after the quiescence window.
	SweepIdle(ctx context.Context) (string, error)

	// SubmitPending materialises and submits every pending job.
	SubmitPending(ctx context.Context) ([]string, error)

	// PollSubmitted advances submitted jobs from the provider's state.
	PollSubmitted(ctx context.Context) ([]string, error)

	// CompleteProcessed downloads results, writes analyses back and
	// completes the jobs.
	CompleteProcessed(ctx context.Context) (*CompletionStats, error)

	// FanOut emits follow-up tasks for unprocessed channel identifiers.
	FanOut(ctx context.Context) (int, error)

	// Reset fails all non-completed jobs and re-opens a fresh one.
	Reset(ctx context.Context) (int, error)

	Stats(ctx context.Context) (*models.BatchStats, error)
}

// CompletionStats summarises one completer pass.
type CompletionStats struct {
	Jobs         int `json:"jobs"`
	Applied      int `json:"applied"`
	SkippedLines int `json:"skipped_lines"`
}

// SearchService runs keyword searches and seeds items + crawl tasks.
type SearchService interface {
	Search(ctx context.Context, keywords []string, limit int) (*SearchStats, error)
}

// SearchStats summarises one search run.
type SearchStats struct {
	Webpages      int `json:"webpages"`
	TelegramLinks int `json:"telegram_links"`
	Duplicates    int `json:"duplicates"`
}

// CrawlerService fetches an item's page and stores extracted text.
type CrawlerService interface {
	CrawlItem(ctx context.Context, itemID string) error
}

// TelegramIngestor joins and ingests a messaging channel. This is an
// external collaborator; the default implementation only logs.
type TelegramIngestor interface {
	IngestChannel(ctx context.Context, identifier string) (int64, error)
}

// SchedulerService drives the periodic batch tick.
type SchedulerService interface {
	Start() error
	Stop() error
}
