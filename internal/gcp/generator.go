package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/testcaseflow/internal/models"
)

// GeminiGenerator produces requirement, scenario and test case items through
// the per-stage generation models.
type GeminiGenerator struct {
	client *VertexClient
}

// NewGeminiGenerator wraps the generation models of an existing client.
func NewGeminiGenerator(client *VertexClient) *GeminiGenerator {
	return &GeminiGenerator{client: client}
}

func stagePrompt(kind models.Stage) (string, error) {
	switch kind {
	case models.StageRequirement:
		return RequirementUserPrompt, nil
	case models.StageScenario:
		return ScenarioUserPrompt, nil
	case models.StageTestCase:
		return TestCaseUserPrompt, nil
	}
	return "", fmt.Errorf("no prompt for stage %q", kind)
}

// Generate asks the stage's model to derive child items from content and
// returns each returned item's JSON payload untouched.
func (g *GeminiGenerator) Generate(ctx context.Context, kind models.Stage, content string) ([]json.RawMessage, error) {
	model, err := g.client.GenerationModel(kind)
	if err != nil {
		return nil, err
	}
	prompt, err := stagePrompt(kind)
	if err != nil {
		return nil, err
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt+content))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("generation call aborted: %w", ctxErr)
		}
		return nil, fmt.Errorf("generation call failed: %w", err)
	}

	raw := ResponseText(resp)
	if raw == "" {
		return nil, fmt.Errorf("generation returned an empty response")
	}
	if IsRefusal(raw) {
		return nil, fmt.Errorf("generation response indicates refusal: %q", raw)
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(ExtractJSONContent(raw)), &items); err != nil {
		return nil, fmt.Errorf("failed to parse generation response: %w", err)
	}
	return items, nil
}
