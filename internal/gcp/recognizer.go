package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/testcaseflow/internal/models"
)

// GeminiRecognizer extracts page text through the pre-configured recognition
// model. One call covers one batch of single-page PDFs.
type GeminiRecognizer struct {
	model *genai.GenerativeModel
}

// NewGeminiRecognizer wraps the recognition model of an existing client.
func NewGeminiRecognizer(client *VertexClient) *GeminiRecognizer {
	return &GeminiRecognizer{model: client.RecognizerModel}
}

// Recognize sends one batch of page units to the model and returns one text
// per page, in the order the units were given.
func (r *GeminiRecognizer) Recognize(ctx context.Context, units []models.PageUnit) ([]string, error) {
	if len(units) == 0 {
		return nil, nil
	}
	parts := make([]genai.Part, 0, len(units)+1)
	for _, unit := range units {
		parts = append(parts, genai.FileData{
			MIMEType: "application/pdf",
			FileURI:  unit.URI,
		})
	}
	parts = append(parts, genai.Text(RecognizerUserPrompt))

	resp, err := r.model.GenerateContent(ctx, parts...)
	if err != nil {
		// Surface the context error so callers can tell a timeout from a
		// transient model failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("recognition call aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("recognition call failed: %w", err)
	}

	content := ResponseText(resp)
	if content == "" {
		return nil, fmt.Errorf("recognition returned an empty response")
	}
	if IsRefusal(content) {
		return nil, fmt.Errorf("recognition response indicates refusal: %q", content)
	}

	var texts []string
	if err := json.Unmarshal([]byte(ExtractJSONContent(content)), &texts); err != nil {
		return nil, fmt.Errorf("failed to parse recognition response: %w", err)
	}
	if len(texts) != len(units) {
		return nil, fmt.Errorf("recognition returned %d texts for %d pages", len(texts), len(units))
	}
	return texts, nil
}
