package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/testcaseflow/internal/models"
)

// --- Recognizer Model Prompts ---
const RecognizerSystemPrompt = "You are a document text recognition engine. Your task is to read the provided single-page PDF files and return the full text content of each page. Accuracy and completeness are of utmost importance. You must output your response as a valid JSON array of strings."
const RecognizerUserPrompt = `You will be provided with one or more single-page PDF files, in order.

Follow these instructions to extract the text of every page:

Text: Extract all text content exactly as written, preserving paragraph structure.
Tables: Render each table as plain text rows, one row per line, with cells separated by " | ".
Images and figures: Replace each image with a short description of its content in square brackets.
Headers and Footers: Ignore page numbers, logos and other repeating header/footer noise.

Return a single JSON array of strings with exactly one element per provided page, in the same order as the pages were provided. Do not include any text before or after the JSON array.`

// --- Requirement Model Prompts ---
const RequirementSystemPrompt = "You are a requirements analyst. Your task is to derive software requirements from the text of an engineering document. You must output your response as a valid JSON array."
const RequirementUserPrompt = `Analyze the provided document text and derive the software requirements it implies.

Follow these rules precisely:
1.  Create one JSON object per requirement.
2.  Each JSON object must have exactly four keys:
    - "title": a short imperative summary of the requirement.
    - "description": the full requirement statement, testable and unambiguous.
    - "category": one of "functional", "performance", "security", "usability", "reliability".
    - "priority": one of "high", "medium", "low".
3.  Derive requirements only from the provided text. Do not invent capabilities the document does not support.
4.  The final output MUST be a single, valid JSON array of these objects. Do not include any text before or after the JSON array.

Document text:
`

// --- Scenario Model Prompts ---
const ScenarioSystemPrompt = "You are a test analyst. Your task is to derive usage scenarios that exercise a given software requirement. You must output your response as a valid JSON array."
const ScenarioUserPrompt = `Analyze the provided requirement and derive the usage scenarios needed to exercise it, covering the normal path and the relevant error paths.

Follow these rules precisely:
1.  Create one JSON object per scenario.
2.  Each JSON object must have exactly three keys:
    - "title": a short name for the scenario.
    - "description": the situation and the actor's goal.
    - "expectedOutcome": the observable result when the scenario plays out.
3.  The final output MUST be a single, valid JSON array of these objects. Do not include any text before or after the JSON array.

Requirement:
`

// --- Test Case Model Prompts ---
const TestCaseSystemPrompt = "You are a test case designer. Your task is to turn a usage scenario into concrete, executable test cases. You must output your response as a valid JSON array."
const TestCaseUserPrompt = `Analyze the provided usage scenario and design the test cases that verify it.

Follow these rules precisely:
1.  Create one JSON object per test case.
2.  Each JSON object must have exactly four keys:
    - "title": a short name for the test case.
    - "preconditions": a string describing the required starting state.
    - "steps": an array of strings, one per action, in order.
    - "expectedResults": a string describing the verifiable outcome.
3.  Every step must be concrete enough for a tester to execute without further interpretation.
4.  The final output MUST be a single, valid JSON array of these objects. Do not include any text before or after the JSON array.

Scenario:
`

const geminiModel = "gemini-1.5-pro"

// VertexClient holds all pre-configured generative models for the pipeline.
type VertexClient struct {
	RecognizerModel  *genai.GenerativeModel
	RequirementModel *genai.GenerativeModel
	ScenarioModel    *genai.GenerativeModel
	TestCaseModel    *genai.GenerativeModel
	baseClient       *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	return &VertexClient{
		RecognizerModel:  jsonModel(baseClient, RecognizerSystemPrompt),
		RequirementModel: jsonModel(baseClient, RequirementSystemPrompt),
		ScenarioModel:    jsonModel(baseClient, ScenarioSystemPrompt),
		TestCaseModel:    jsonModel(baseClient, TestCaseSystemPrompt),
		baseClient:       baseClient,
	}, nil
}

// jsonModel configures a model that must return machine-parseable JSON.
func jsonModel(client *genai.Client, systemPrompt string) *genai.GenerativeModel {
	model := client.GenerativeModel(geminiModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		// Force JSON output. This is a critical setting for these models.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
	return model
}

// GenerationModel returns the model configured for one generation stage.
func (c *VertexClient) GenerationModel(stage models.Stage) (*genai.GenerativeModel, error) {
	switch stage {
	case models.StageRequirement:
		return c.RequirementModel, nil
	case models.StageScenario:
		return c.ScenarioModel, nil
	case models.StageTestCase:
		return c.TestCaseModel, nil
	}
	return nil, fmt.Errorf("no generation model for stage %q", stage)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// refusalPhrases mark responses where the model declined instead of
// answering. Such responses must fail the call rather than be stored.
var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// IsRefusal reports whether the response text looks like a model refusal.
func IsRefusal(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ResponseText concatenates the text parts of the first candidate.
func ResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

// ExtractJSONContent strips markdown fences the model sometimes wraps its
// JSON in despite the response MIME type.
func ExtractJSONContent(content string) string {
	clean := strings.TrimSpace(content)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	return strings.TrimSpace(clean)
}
