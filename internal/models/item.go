package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ChannelIdentifier is a messaging-channel reference extracted from a
// detected promotion. The identifier is opaque: a link, handle or numeric id.
type ChannelIdentifier struct {
	Identifier  string `json:"identifier"`
	ChannelID   int64  `json:"channel_id,omitempty"`
	IsProcessed bool   `json:"is_processed"`
	Error       string `json:"error,omitempty"`
}

// Promotion is one detected promotional block inside a crawled page.
type Promotion struct {
	Content     string              `json:"content"`
	Identifiers []ChannelIdentifier `json:"identifiers"`
}

// Analysis is the validated LLM output written back onto an Item.
// Both top-level keys are required; unknown keys in the raw payload are
// ignored by the decoder.
type Analysis struct {
	DrugsRelated *bool       `json:"drugs_related" validate:"required"`
	Promotions   []Promotion `json:"promotions" validate:"required,dive"`
}

// IsDrugsRelated reports the detection flag, false when unset.
func (a *Analysis) IsDrugsRelated() bool {
	return a != nil && a.DrugsRelated != nil && *a.DrugsRelated
}

var analysisValidator = validator.New()

// ErrMalformedAnalysis wraps decode or schema failures of an LLM response
// payload. Callers log and skip the offending line.
type ErrMalformedAnalysis struct {
	Reason string
	Err    error
}

func (e *ErrMalformedAnalysis) Error() string {
	return fmt.Sprintf("malformed analysis payload: %s: %v", e.Reason, e.Err)
}

func (e *ErrMalformedAnalysis) Unwrap() error {
	return e.Err
}

// ParseAnalysis decodes and validates a raw analysis payload against the
// response schema.
func ParseAnalysis(data []byte) (*Analysis, error) {
	var analysis Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		return nil, &ErrMalformedAnalysis{Reason: "not JSON", Err: err}
	}
	if err := analysisValidator.Struct(&analysis); err != nil {
		return nil, &ErrMalformedAnalysis{Reason: "schema mismatch", Err: err}
	}
	return &analysis, nil
}

// Item represents a single crawled post queued for LLM analysis.
// Items are created by the search stage, filled by the crawl stage, and
// annotated by the batcher. The Link carries a unique index so concurrent
// search workers cannot insert the same page twice.
type Item struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Link   string `json:"link" badgerhold:"unique"`
	Domain string `json:"domain"`

	HTML string `json:"html,omitempty"`
	Text string `json:"text,omitempty"`

	Analysis *Analysis `json:"analysis,omitempty"`

	// AnalysisJobID back-references the batch job the item was registered
	// into. Kept after completion for audit.
	AnalysisJobID string `json:"analysis_job_id,omitempty" badgerhold:"index"`

	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EligibleForRegistration reports whether the item can enter a batch job:
// crawled text present, no analysis applied yet.
func (i *Item) EligibleForRegistration() bool {
	return i.Text != "" && i.Analysis == nil
}
