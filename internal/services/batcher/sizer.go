package batcher

import (
	"encoding/json"
	"fmt"

	"github.com/ternarybob/vigil/internal/models"
)

const (
	systemInstruction = "You are a content safety analyst. You review webpages and decide whether " +
		"they promote the sale of illegal drugs, and you extract every promoted contact " +
		"channel (links, handles, or numeric ids) verbatim."

	userInstruction = "Analyze the following webpage:"

	formatInstruction = "Return a strict JSON object with keys: drugs_related (boolean), " +
		"promotions (array of objects with keys 'content' and 'identifiers' (array of objects " +
		"with key 'identifier')). Do not include any text outside of the JSON."
)

// analysisSchema constrains the provider's response to the shape ParseAnalysis
// accepts. Kept as raw JSON so the serialized line is byte-stable.
var analysisSchema = json.RawMessage(`{"type":"object","properties":{"drugs_related":{"type":"boolean"},"promotions":{"type":"array","items":{"type":"object","properties":{"content":{"type":"string"},"identifiers":{"type":"array","items":{"type":"object","properties":{"identifier":{"type":"string"}},"required":["identifier"]}}},"required":["content","identifiers"]}}},"required":["drugs_related","promotions"]}`)

type requestPart struct {
	Text string `json:"text"`
}

type requestContent struct {
	Parts []requestPart `json:"parts"`
	Role  string        `json:"role"`
}

type generationConfig struct {
	Temperature        float64         `json:"temperature"`
	ResponseMIMEType   string          `json:"response_mime_type"`
	ResponseJSONSchema json.RawMessage `json:"response_json_schema"`
}

type batchRequest struct {
	Contents         []requestContent `json:"contents"`
	GenerationConfig generationConfig `json:"generation_config"`
}

type requestLine struct {
	Key     string       `json:"key"`
	Request batchRequest `json:"request"`
}

// RequestSizer builds the newline-delimited request envelope for an item.
// The same builder feeds both admission accounting and the submitted file,
// so the size recorded at registration is the size that ships.
type RequestSizer struct{}

func NewRequestSizer() *RequestSizer {
	return &RequestSizer{}
}

// BuildLine serializes one item into its request line, trailing newline
// included.
func (s *RequestSizer) BuildLine(item *models.Item) ([]byte, error) {
	prompt := fmt.Sprintf("%s\n\nTitle: %s\n\nContent: %s", formatInstruction, item.Title, item.Text)

	line := requestLine{
		Key: item.ID,
		Request: batchRequest{
			Contents: []requestContent{
				{Parts: []requestPart{{Text: systemInstruction}}, Role: "system"},
				{Parts: []requestPart{{Text: userInstruction}}, Role: "user"},
				{Parts: []requestPart{{Text: prompt}}, Role: "user"},
			},
			GenerationConfig: generationConfig{
				Temperature:        0.1,
				ResponseMIMEType:   "application/json",
				ResponseJSONSchema: analysisSchema,
			},
		},
	}

	data, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request for item %s: %w", item.ID, err)
	}
	return append(data, '\n'), nil
}

// EstimateSize returns the UTF-8 byte length of the item's request line.
func (s *RequestSizer) EstimateSize(item *models.Item) (int64, error) {
	data, err := s.BuildLine(item)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
