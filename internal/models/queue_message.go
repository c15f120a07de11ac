package models

import (
	"encoding/json"
	"errors"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Named queues of the work broker. The batcher publishes to analyze and
// telegram; the scheduler tick is driven from poll.
const (
	QueueSearch   = "search"
	QueueCrawl    = "crawl"
	QueueAnalyze  = "analyze"
	QueuePoll     = "poll"
	QueueTelegram = "telegram"
)

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the task.
type QueueMessage struct {
	Type    string          `json:"type"`               // Task type for worker routing
	DedupID string          `json:"dedup_id,omitempty"` // Idempotency key, usually the target item ID
	Payload json.RawMessage `json:"payload"`            // Task-specific data (passed through)
}

// SearchPayload starts a keyword search run.
type SearchPayload struct {
	Keywords []string `json:"keywords"`
	Limit    int      `json:"limit"`
}

// CrawlPayload asks the crawl worker to fetch one item's page.
type CrawlPayload struct {
	ItemID string `json:"item_id"`
}

// AnalyzePayload registers one crawled item into the open batch job.
type AnalyzePayload struct {
	ItemID        string `json:"item_id"`
	EstimatedSize int64  `json:"estimated_size"`
}

// TelegramPayload is the follow-up task emitted per detected channel
// identifier. Path is the JSON path into the item's analysis where the
// downstream worker writes its outcome, e.g.
// "analysis.promotions.0.identifiers.1".
type TelegramPayload struct {
	Identifier string `json:"identifier"`
	ItemID     string `json:"item_id"`
	Path       string `json:"path"`
}

// NewMessage wraps a payload into a routed queue message.
func NewMessage(msgType, dedupID string, payload interface{}) (QueueMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return QueueMessage{}, err
	}
	return QueueMessage{Type: msgType, DedupID: dedupID, Payload: data}, nil
}
