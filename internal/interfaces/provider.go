package interfaces

import (
	"context"
	"errors"
)

// BatchState is the provider's view of a submitted batch, reduced to the
// states the poller cares about.
type BatchState string

const (
	BatchStatePending   BatchState = "PENDING"
	BatchStateRunning   BatchState = "RUNNING"
	BatchStateSucceeded BatchState = "SUCCEEDED"
	BatchStateFailed    BatchState = "FAILED"
	BatchStateCancelled BatchState = "CANCELLED"
	BatchStateExpired   BatchState = "EXPIRED"
	BatchStateUnknown   BatchState = "UNKNOWN"
)

// ErrHandleNotFound is returned when the provider does not (yet) know the
// handle. The poller leaves the job untouched; the provider may be briefly
// inconsistent after submit.
var ErrHandleNotFound = errors.New("provider batch handle not found")

// ErrNoResultFile is returned when a processed batch has no result file
// reference yet. The completer retries on the next tick.
var ErrNoResultFile = errors.New("provider batch has no result file")

// BatchProvider is the LLM batch-inference capability the batcher depends
// on. The SDK mapping lives entirely in the adapter.
type BatchProvider interface {
	// UploadRequestFile uploads a newline-delimited request file and
	// returns the provider-side file name.
	UploadRequestFile(ctx context.Context, path, displayName string) (string, error)

	// CreateBatch creates a batch referencing an uploaded request file and
	// returns the opaque provider handle.
	CreateBatch(ctx context.Context, fileName string) (string, error)

	// GetBatchState fetches the provider's view of a handle.
	GetBatchState(ctx context.Context, handle string) (BatchState, error)

	// GetResultFileName resolves the result-file reference of a finished
	// batch.
	GetResultFileName(ctx context.Context, handle string) (string, error)

	// DownloadFile fetches a provider file's content.
	DownloadFile(ctx context.Context, fileName string) ([]byte, error)
}
