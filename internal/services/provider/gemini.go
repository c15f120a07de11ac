package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"google.golang.org/genai"
)

// GeminiProvider implements the BatchProvider interface on the Gemini batch
// API. All SDK types stay inside this adapter; the batcher only sees opaque
// handles and file names.
type GeminiProvider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  arbor.ILogger
}

// NewGeminiProvider creates a new Gemini batch provider
func NewGeminiProvider(ctx context.Context, config *common.BatchConfig, logger arbor.ILogger) (*GeminiProvider, error) {
	if config.GoogleAPIKey == "" {
		return nil, fmt.Errorf("Google API key is required for the batch provider (set VIGIL_GOOGLE_API_KEY or batch.google_api_key in config)")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	logger.Info().
		Str("model", config.ProviderModel).
		Dur("timeout", config.ProviderTimeoutDuration()).
		Msg("Gemini batch provider initialized")

	return &GeminiProvider{
		client:  client,
		model:   config.ProviderModel,
		timeout: config.ProviderTimeoutDuration(),
		logger:  logger,
	}, nil
}

// UploadRequestFile uploads a newline-delimited request file and returns the
// provider-side file name.
func (p *GeminiProvider) UploadRequestFile(ctx context.Context, path, displayName string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	file, err := p.client.Files.UploadFromPath(timeoutCtx, path, &genai.UploadFileConfig{
		DisplayName: displayName,
		MIMEType:    "application/jsonl",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload request file: %w", err)
	}

	p.logger.Debug().Str("file", file.Name).Msg("Request file uploaded")
	return file.Name, nil
}

// CreateBatch creates a batch referencing an uploaded request file.
func (p *GeminiProvider) CreateBatch(ctx context.Context, fileName string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	job, err := p.client.Batches.Create(timeoutCtx, p.model, &genai.BatchJobSource{
		Format:   "jsonl",
		FileName: fileName,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create batch: %w", err)
	}

	p.logger.Info().Str("handle", job.Name).Str("model", p.model).Msg("Batch created")
	return job.Name, nil
}

// GetBatchState fetches the provider's view of a handle and reduces it to
// the states the poller cares about.
func (p *GeminiProvider) GetBatchState(ctx context.Context, handle string) (interfaces.BatchState, error) {
	job, err := p.getBatch(ctx, handle)
	if err != nil {
		return interfaces.BatchStateUnknown, err
	}

	switch job.State {
	case genai.JobStateSucceeded:
		return interfaces.BatchStateSucceeded, nil
	case genai.JobStateFailed:
		return interfaces.BatchStateFailed, nil
	case genai.JobStateCancelled, genai.JobStateCancelling:
		return interfaces.BatchStateCancelled, nil
	case genai.JobStateExpired:
		return interfaces.BatchStateExpired, nil
	case genai.JobStatePending, genai.JobStateQueued:
		return interfaces.BatchStatePending, nil
	case genai.JobStateRunning:
		return interfaces.BatchStateRunning, nil
	default:
		return interfaces.BatchStateUnknown, nil
	}
}

// GetResultFileName resolves the result-file reference of a finished batch.
// SDK revisions disagree on where the reference lives; the capability is
// pinned here and nowhere else.
func (p *GeminiProvider) GetResultFileName(ctx context.Context, handle string) (string, error) {
	job, err := p.getBatch(ctx, handle)
	if err != nil {
		return "", err
	}
	if job.Dest == nil || job.Dest.FileName == "" {
		return "", interfaces.ErrNoResultFile
	}
	return job.Dest.FileName, nil
}

// DownloadFile fetches a provider file's content.
func (p *GeminiProvider) DownloadFile(ctx context.Context, fileName string) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	file, err := p.client.Files.Get(timeoutCtx, fileName, nil)
	if err != nil {
		return nil, p.mapError("failed to resolve result file", err)
	}

	data, err := p.client.Files.Download(timeoutCtx, file, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download result file: %w", err)
	}
	return data, nil
}

func (p *GeminiProvider) getBatch(ctx context.Context, handle string) (*genai.BatchJob, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	job, err := p.client.Batches.Get(timeoutCtx, handle, nil)
	if err != nil {
		return nil, p.mapError("failed to get batch", err)
	}
	return job, nil
}

// mapError translates provider 404s into the not-found sentinel so the
// poller can leave the job untouched.
func (p *GeminiProvider) mapError(msg string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 404 {
		return fmt.Errorf("%s: %w", msg, interfaces.ErrHandleNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
