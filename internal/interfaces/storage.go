package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/vigil/internal/models"
)

// ErrRequestTooLarge is returned when a single request estimate exceeds the
// batch size cap; such an item can never fit in any job.
var ErrRequestTooLarge = errors.New("request estimate exceeds batch size cap")

// RegisterOutcome is the result variant of a registration attempt.
type RegisterOutcome int

const (
	// Registered means the item was appended to the open job and the
	// back-reference committed.
	Registered RegisterOutcome = iota
	// AlreadyRegistered means a concurrent worker holds the item in a
	// non-terminal job. Not an error; the caller returns false.
	AlreadyRegistered
	// NotEligible means the item has no text or already carries an
	// analysis.
	NotEligible
)

// RegisterResult carries the outcome and, when registered, the job the item
// landed in.
type RegisterResult struct {
	Outcome RegisterOutcome
	JobID   string
}

// IdentifierRef locates one unprocessed channel identifier inside an item's
// analysis.
type IdentifierRef struct {
	ItemID        string
	Identifier    string
	PromotionIdx  int
	IdentifierIdx int
}

// ItemStorage is the item side of the document store. Items are owned by the
// crawl pipeline; the batcher only reads them and writes analysis back.
type ItemStorage interface {
	// InsertItemIfAbsent stores the item unless one with the same link
	// exists. Reports whether an insert happened.
	InsertItemIfAbsent(ctx context.Context, item *models.Item) (bool, error)
	SaveItem(ctx context.Context, item *models.Item) error
	GetItem(ctx context.Context, itemID string) (*models.Item, error)

	// SetItemContent writes crawl output onto the item.
	SetItemContent(ctx context.Context, itemID, html, text string) error

	// ListItemsForJob returns the job's items that still need analysis:
	// back-reference matches, text non-empty, analysis absent.
	ListItemsForJob(ctx context.Context, jobID string) ([]*models.Item, error)

	// ListEligibleItems returns items with text and without analysis that
	// are not claimed by any non-terminal job.
	ListEligibleItems(ctx context.Context) ([]*models.Item, error)

	// ApplyAnalysis sets the item's analysis unconditionally and bumps
	// updated_at. Idempotent for identical payloads.
	ApplyAnalysis(ctx context.Context, itemID string, analysis *models.Analysis) error

	// ListUnprocessedIdentifiers walks analyses for identifiers whose
	// is_processed flag is not yet true.
	ListUnprocessedIdentifiers(ctx context.Context) ([]IdentifierRef, error)

	// MarkIdentifierProcessed writes the follow-up outcome back at the
	// addressed position.
	MarkIdentifierProcessed(ctx context.Context, itemID string, promotionIdx, identifierIdx int, channelID int64, errMsg string) error
}

// BatchStorage is the job side of the document store. All writes are atomic:
// registration, rollover and state transitions run inside store transactions
// and never read-then-write without a condition.
type BatchStorage interface {
	// EnsureOpenJob guarantees exactly one accepting job exists and
	// returns it.
	EnsureOpenJob(ctx context.Context) (*models.BatchJob, error)

	// RegisterItem appends the item to the open job under the size cap,
	// rolling over to a fresh job when the cap would be exceeded. The
	// job-counter update, the ownership claim and the item back-reference
	// commit atomically.
	RegisterItem(ctx context.Context, itemID string, estimatedSize, maxBytes int64) (RegisterResult, error)

	// SweepIdle flips one accepting job with items and no updates since
	// the cutoff to pending, then re-ensures the open job. Returns the
	// flipped job's id or "" when nothing was idle.
	SweepIdle(ctx context.Context, cutoff time.Time) (string, error)

	GetJob(ctx context.Context, jobID string) (*models.BatchJob, error)
	ListJobsByStatus(ctx context.Context, status models.BatchStatus) ([]*models.BatchJob, error)

	// MarkSubmitted transitions pending -> submitted and stamps the
	// provider handle. Reports whether the job was still pending.
	MarkSubmitted(ctx context.Context, jobID, providerHandle string) (bool, error)

	// TransitionStatus performs a conditional state transition. Ownership
	// claims are released when the target state is terminal. Reports
	// whether the job matched the expected source state.
	TransitionStatus(ctx context.Context, jobID string, from, to models.BatchStatus, errMsg string) (bool, error)

	// ResetNonCompleted fails every job not yet completed and re-ensures
	// the single open job. Returns the number of jobs flipped.
	ResetNonCompleted(ctx context.Context) (int, error)

	Stats(ctx context.Context) (*models.BatchStats, error)
}

// StorageManager bundles the typed collections over one database.
type StorageManager interface {
	ItemStorage() ItemStorage
	BatchStorage() BatchStorage
	Close() error
}
