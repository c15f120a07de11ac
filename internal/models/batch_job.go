package models

import (
	"time"
)

// BatchStatus is the lifecycle state of a batch job.
type BatchStatus string

const (
	// BatchStatusAccepting marks the single open job that registration
	// appends to. At most one job is ever in this state.
	BatchStatusAccepting BatchStatus = "accepting"
	// BatchStatusPending marks a job sealed by rollover or idle sweep,
	// waiting for submission.
	BatchStatusPending BatchStatus = "pending"
	// BatchStatusSubmitted marks a job owned by the provider.
	BatchStatusSubmitted BatchStatus = "submitted"
	// BatchStatusProcessed marks a job the provider finished successfully,
	// results not yet applied.
	BatchStatusProcessed BatchStatus = "processed"
	// BatchStatusCompleted marks a job whose results were written back.
	// Terminal.
	BatchStatusCompleted BatchStatus = "completed"
	// BatchStatusFailed marks a job that failed at submit or on the
	// provider side. Terminal; items become eligible for re-registration.
	BatchStatusFailed BatchStatus = "failed"
)

// IsTerminal reports whether the status excludes the job from the
// single-ownership index predicate.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// BatchJob is a size-bounded batch of items destined for one provider call.
type BatchJob struct {
	ID string `json:"id"`

	// ProviderHandle is the opaque batch name returned by the provider on
	// submit. Empty before submission.
	ProviderHandle string `json:"provider_handle,omitempty"`

	Status BatchStatus `json:"status" badgerhold:"index"`

	// FileSizeBytes is the running sum of per-item request size estimates.
	// Never exceeds the configured cap.
	FileSizeBytes int64 `json:"file_size_bytes"`

	ItemCount int      `json:"item_count"`
	ItemIDs   []string `json:"item_ids"`

	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBatchJob returns a fresh open job with zero counters.
func NewBatchJob(id string, now time.Time) *BatchJob {
	return &BatchJob{
		ID:        id,
		Status:    BatchStatusAccepting,
		ItemIDs:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// BatchStats is the job-status histogram exposed by the admin API.
type BatchStats struct {
	StatusCounts   map[BatchStatus]int `json:"job_status_counts"`
	PendingItems   int                 `json:"pending_items"`
	ProcessedItems int                 `json:"processed_items"`
	TotalItems     int                 `json:"total_items"`
}
