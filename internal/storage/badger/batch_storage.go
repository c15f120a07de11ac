package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// itemClaim is the ownership marker behind the single-ownership invariant:
// keyed by item ID, inserted when an item enters a non-terminal job,
// released when the job reaches a terminal state. TxInsert's key-exists
// signal is the store's duplicate-key error.
type itemClaim struct {
	ItemID string
	JobID  string
}

// openJobRef is a singleton record pointing at the one accepting job. Every
// flip or creation of an accepting job rewrites it in the same transaction,
// which serialises the open job across workers.
type openJobRef struct {
	JobID string
}

const openJobRefKey = "open"

// maxTxnRetries bounds in-place retries of conflicted transactions.
const maxTxnRetries = 5

// BatchStorage implements the BatchStorage interface on Badger. All
// multi-document writes run inside managed Badger transactions; a commit
// conflict is the transient-transaction signal and retries the whole
// function.
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) *BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the storage clock. Test hook.
func (s *BatchStorage) SetClock(now func() time.Time) {
	s.now = now
}

func (s *BatchStorage) runTxn(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = s.db.Store().Badger().Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", maxTxnRetries, err)
}

// txOpenJob resolves the accepting job inside a transaction, creating the
// job and its ref when absent, and repairing a stale ref pointing at a job
// that already left the accepting state.
func (s *BatchStorage) txOpenJob(txn *badgerdb.Txn) (*models.BatchJob, error) {
	store := s.db.Store()

	var ref openJobRef
	err := store.TxGet(txn, openJobRefKey, &ref)
	if err == nil {
		var job models.BatchJob
		if err := store.TxGet(txn, ref.JobID, &job); err == nil && job.Status == models.BatchStatusAccepting {
			return &job, nil
		}
	} else if err != badgerhold.ErrNotFound {
		return nil, err
	}

	// No usable ref. Adopt an existing accepting job if one survives, so
	// the single-open invariant holds even after a crash between writes.
	var accepting []models.BatchJob
	if err := store.TxFind(txn, &accepting, badgerhold.Where("Status").Eq(models.BatchStatusAccepting)); err != nil {
		return nil, err
	}
	if len(accepting) > 0 {
		job := accepting[0]
		if err := store.TxUpsert(txn, openJobRefKey, &openJobRef{JobID: job.ID}); err != nil {
			return nil, err
		}
		return &job, nil
	}

	job := models.NewBatchJob(common.NewBatchID(), s.now())
	if err := store.TxUpsert(txn, job.ID, job); err != nil {
		return nil, err
	}
	if err := store.TxUpsert(txn, openJobRefKey, &openJobRef{JobID: job.ID}); err != nil {
		return nil, err
	}
	return job, nil
}

// EnsureOpenJob guarantees exactly one accepting job exists and returns it.
func (s *BatchStorage) EnsureOpenJob(ctx context.Context) (*models.BatchJob, error) {
	var job *models.BatchJob
	err := s.runTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		job, err = s.txOpenJob(txn)
		return err
	})
	return job, err
}

// registration outcome sentinels, private control flow inside RegisterItem
var (
	errAlreadyRegistered = errors.New("item already claimed by a non-terminal job")
	errNotEligible       = errors.New("item not eligible for registration")
)

// RegisterItem appends the item to the open job under the size cap. The
// ownership claim, the job counter bump and the item back-reference commit
// in one transaction: either all become visible or none. Rollover flips the
// full accepting job to pending and opens a fresh one inside the same
// transaction, so the single-open invariant is never observable broken.
func (s *BatchStorage) RegisterItem(ctx context.Context, itemID string, estimatedSize, maxBytes int64) (interfaces.RegisterResult, error) {
	if estimatedSize > maxBytes {
		return interfaces.RegisterResult{}, interfaces.ErrRequestTooLarge
	}

	var result interfaces.RegisterResult
	store := s.db.Store()

	err := s.runTxn(ctx, func(txn *badgerdb.Txn) error {
		var item models.Item
		if err := store.TxGet(txn, itemID, &item); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("item not found: %s", itemID)
			}
			return err
		}
		if !item.EligibleForRegistration() {
			return errNotEligible
		}

		job, err := s.txOpenJob(txn)
		if err != nil {
			return err
		}

		// Rollover until the request fits. A fresh job always fits
		// because estimatedSize <= maxBytes was checked above.
		for job.FileSizeBytes+estimatedSize > maxBytes {
			if job.ItemCount > 0 {
				job.Status = models.BatchStatusPending
				job.UpdatedAt = s.now()
				if err := store.TxUpsert(txn, job.ID, job); err != nil {
					return err
				}
			}
			next := models.NewBatchJob(common.NewBatchID(), s.now())
			if err := store.TxUpsert(txn, next.ID, next); err != nil {
				return err
			}
			if err := store.TxUpsert(txn, openJobRefKey, &openJobRef{JobID: next.ID}); err != nil {
				return err
			}
			job = next
		}

		// Duplicate-key signal: a concurrent worker already owns the item.
		claim := &itemClaim{ItemID: itemID, JobID: job.ID}
		if err := store.TxInsert(txn, itemID, claim); err != nil {
			if err == badgerhold.ErrKeyExists {
				return errAlreadyRegistered
			}
			return err
		}

		now := s.now()
		job.FileSizeBytes += estimatedSize
		job.ItemCount++
		job.ItemIDs = append(job.ItemIDs, itemID)
		job.UpdatedAt = now
		if err := store.TxUpsert(txn, job.ID, job); err != nil {
			return err
		}

		item.AnalysisJobID = job.ID
		item.UpdatedAt = now
		if err := store.TxUpsert(txn, itemID, &item); err != nil {
			return err
		}

		result = interfaces.RegisterResult{Outcome: interfaces.Registered, JobID: job.ID}
		return nil
	})

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, errAlreadyRegistered):
		return interfaces.RegisterResult{Outcome: interfaces.AlreadyRegistered}, nil
	case errors.Is(err, errNotEligible):
		return interfaces.RegisterResult{Outcome: interfaces.NotEligible}, nil
	default:
		return interfaces.RegisterResult{}, err
	}
}

// SweepIdle flips one quiescent accepting job to pending and re-ensures the
// open job. Empty jobs are never flipped.
func (s *BatchStorage) SweepIdle(ctx context.Context, cutoff time.Time) (string, error) {
	var flipped string
	store := s.db.Store()

	err := s.runTxn(ctx, func(txn *badgerdb.Txn) error {
		flipped = ""

		var accepting []models.BatchJob
		if err := store.TxFind(txn, &accepting, badgerhold.Where("Status").Eq(models.BatchStatusAccepting)); err != nil {
			return err
		}

		for i := range accepting {
			job := &accepting[i]
			if job.ItemCount == 0 || !job.UpdatedAt.Before(cutoff) {
				continue
			}
			job.Status = models.BatchStatusPending
			job.UpdatedAt = s.now()
			if err := store.TxUpsert(txn, job.ID, job); err != nil {
				return err
			}
			flipped = job.ID
			break
		}

		if flipped == "" {
			return nil
		}
		_, err := s.txOpenJob(txn)
		return err
	})
	return flipped, err
}

// GetJob reads one job by id.
func (s *BatchStorage) GetJob(ctx context.Context, jobID string) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return &job, nil
}

// ListJobsByStatus returns jobs in the given state, oldest first.
func (s *BatchStorage) ListJobsByStatus(ctx context.Context, status models.BatchStatus) ([]*models.BatchJob, error) {
	var jobs []models.BatchJob
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	result := make([]*models.BatchJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// MarkSubmitted transitions pending -> submitted and stamps the provider
// handle. After this commit the job is owned by the provider.
func (s *BatchStorage) MarkSubmitted(ctx context.Context, jobID, providerHandle string) (bool, error) {
	matched := false
	store := s.db.Store()

	err := s.runTxn(ctx, func(txn *badgerdb.Txn) error {
		matched = false
		var job models.BatchJob
		if err := store.TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return nil
			}
			return err
		}
		if job.Status != models.BatchStatusPending {
			return nil
		}
		job.Status = models.BatchStatusSubmitted
		job.ProviderHandle = providerHandle
		job.UpdatedAt = s.now()
		if err := store.TxUpsert(txn, job.ID, &job); err != nil {
			return err
		}
		matched = true
		return nil
	})
	return matched, err
}

// TransitionStatus performs a conditional state transition. Transitions out
// of completed are refused. Reaching a terminal state releases the job's
// ownership claims so its items may be registered again.
func (s *BatchStorage) TransitionStatus(ctx context.Context, jobID string, from, to models.BatchStatus, errMsg string) (bool, error) {
	matched := false
	store := s.db.Store()

	err := s.runTxn(ctx, func(txn *badgerdb.Txn) error {
		matched = false
		var job models.BatchJob
		if err := store.TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return nil
			}
			return err
		}
		if job.Status != from || job.Status == models.BatchStatusCompleted {
			return nil
		}
		job.Status = to
		if errMsg != "" {
			job.Error = errMsg
		}
		job.UpdatedAt = s.now()
		if err := store.TxUpsert(txn, job.ID, &job); err != nil {
			return err
		}
		if to.IsTerminal() {
			if err := s.txReleaseClaims(txn, &job); err != nil {
				return err
			}
		}
		matched = true
		return nil
	})
	return matched, err
}

func (s *BatchStorage) txReleaseClaims(txn *badgerdb.Txn, job *models.BatchJob) error {
	store := s.db.Store()
	for _, itemID := range job.ItemIDs {
		var claim itemClaim
		if err := store.TxGet(txn, itemID, &claim); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return err
		}
		// Only release claims this job holds; a later job may have
		// re-claimed the item already.
		if claim.JobID != job.ID {
			continue
		}
		if err := store.TxDelete(txn, itemID, &itemClaim{}); err != nil && err != badgerhold.ErrNotFound {
			return err
		}
	}
	return nil
}

// ResetNonCompleted fails every job that is not completed and re-ensures the
// single open job. Operator-triggered; failed jobs never auto-reset.
func (s *BatchStorage) ResetNonCompleted(ctx context.Context) (int, error) {
	flipped := 0
	store := s.db.Store()

	err := s.runTxn(ctx, func(txn *badgerdb.Txn) error {
		flipped = 0
		var jobs []models.BatchJob
		if err := store.TxFind(txn, &jobs, badgerhold.Where("Status").Ne(models.BatchStatusCompleted)); err != nil {
			return err
		}
		for i := range jobs {
			job := &jobs[i]
			if job.Status == models.BatchStatusFailed {
				continue
			}
			job.Status = models.BatchStatusFailed
			job.UpdatedAt = s.now()
			if err := store.TxUpsert(txn, job.ID, job); err != nil {
				return err
			}
			if err := s.txReleaseClaims(txn, job); err != nil {
				return err
			}
			flipped++
		}
		_, err := s.txOpenJob(txn)
		return err
	})
	return flipped, err
}

// IsItemClaimed reports whether a non-terminal job owns the item.
func (s *BatchStorage) IsItemClaimed(ctx context.Context, itemID string) (bool, error) {
	var claim itemClaim
	err := s.db.Store().Get(itemID, &claim)
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stats returns the job-status histogram and item progress counters.
func (s *BatchStorage) Stats(ctx context.Context) (*models.BatchStats, error) {
	stats := &models.BatchStats{
		StatusCounts: make(map[models.BatchStatus]int),
	}

	statuses := []models.BatchStatus{
		models.BatchStatusAccepting,
		models.BatchStatusPending,
		models.BatchStatusSubmitted,
		models.BatchStatusProcessed,
		models.BatchStatusCompleted,
		models.BatchStatusFailed,
	}
	for _, status := range statuses {
		count, err := s.db.Store().Count(&models.BatchJob{}, badgerhold.Where("Status").Eq(status))
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs by status: %w", err)
		}
		stats.StatusCounts[status] = int(count)
	}

	var items []models.Item
	if err := s.db.Store().Find(&items, badgerhold.Where("AnalysisJobID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to scan registered items: %w", err)
	}
	for i := range items {
		if items[i].Analysis != nil {
			stats.ProcessedItems++
		} else {
			stats.PendingItems++
		}
	}
	stats.TotalItems = stats.PendingItems + stats.ProcessedItems

	return stats, nil
}
