package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/testcaseflow/internal/gcp"
	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

// Generator is the external generation collaborator. One call derives the
// child items for a single predecessor input.
type Generator interface {
	Generate(ctx context.Context, kind models.Stage, content string) ([]json.RawMessage, error)
}

// GenerationConfig holds all configuration for the generation service.
type GenerationConfig struct {
	// PacingInterval is the flat delay between predecessor items.
	PacingInterval time.Duration
	// CallTimeout bounds one generation call. The loop as a whole has no
	// timeout.
	CallTimeout time.Duration
}

// LoadGenerationConfig reads the generation settings from the environment.
func LoadGenerationConfig() (GenerationConfig, error) {
	pacing, err := strconv.Atoi(gcp.GetEnv("PACING_INTERVAL_SECONDS", "30"))
	if err != nil {
		return GenerationConfig{}, fmt.Errorf("invalid PACING_INTERVAL_SECONDS: %w", err)
	}
	timeout, err := strconv.Atoi(gcp.GetEnv("GENERATION_CALL_TIMEOUT_SECONDS", "300"))
	if err != nil {
		return GenerationConfig{}, fmt.Errorf("invalid GENERATION_CALL_TIMEOUT_SECONDS: %w", err)
	}
	return GenerationConfig{
		PacingInterval: time.Duration(pacing) * time.Second,
		CallTimeout:    time.Duration(timeout) * time.Second,
	}, nil
}

// GenerationFunction is the stage gate controller: it enforces the stage
// preconditions, runs the sequential generation loop as a detached unit of
// work and always finishes with a reconciliation pass.
type GenerationFunction struct {
	store      store.Store
	generator  Generator
	tracker    *StageTracker
	reconciler *Reconciler
	scheduler  Scheduler
	config     GenerationConfig
}

// NewGenerationFunction wires the controller. The scheduler decides where the
// loop runs (a goroutine in the workers, inline in tests).
func NewGenerationFunction(st store.Store, generator Generator, scheduler Scheduler, config GenerationConfig) *GenerationFunction {
	return &GenerationFunction{
		store:      st,
		generator:  generator,
		tracker:    NewStageTracker(st),
		reconciler: NewReconciler(st),
		scheduler:  scheduler,
		config:     config,
	}
}

// Start moves stage to InProgress and schedules its generation loop. The
// status write is synchronous: when Start returns nil the caller can observe
// InProgress. Precondition violations are returned unchanged from the gate
// and mutate nothing.
func (f *GenerationFunction) Start(ctx context.Context, usecaseID string, stage models.Stage) error {
	if !stage.GeneratesItems() {
		return fmt.Errorf("stage %q is not a generation stage", stage)
	}
	if err := f.tracker.CanStart(ctx, usecaseID, stage); err != nil {
		return err
	}
	if err := f.tracker.MarkStarted(ctx, usecaseID, stage); err != nil {
		return fmt.Errorf("failed to mark stage %s started: %w", stage, err)
	}

	f.scheduler.Submit(
		fmt.Sprintf("generate-%s-%s", stage, usecaseID),
		func(runCtx context.Context) error {
			return f.runLoop(runCtx, usecaseID, stage)
		},
		func(runCtx context.Context) {
			if err := f.reconciler.Reconcile(runCtx, usecaseID, stage); err != nil {
				slog.Error("Reconciliation failed.", "usecaseId", usecaseID, "stage", string(stage), "error", err)
			}
		},
	)
	return nil
}

// Confirm records the user's sign-off for a stage's first run.
func (f *GenerationFunction) Confirm(ctx context.Context, usecaseID string, stage models.Stage) error {
	return f.tracker.Confirm(ctx, usecaseID, stage)
}

// Reset returns a terminal stage to NotStarted so it can be run again.
func (f *GenerationFunction) Reset(ctx context.Context, usecaseID string, stage models.Stage) error {
	return f.tracker.Reset(ctx, usecaseID, stage)
}

// stageInput is one predecessor item feeding a single generation call.
type stageInput struct {
	ParentID string
	Content  string
}

// runLoop drives the strictly sequential generation pass. One predecessor
// item is in flight at a time; a failure for one item is logged and skipped;
// every returned child is persisted immediately in its own insert.
func (f *GenerationFunction) runLoop(ctx context.Context, usecaseID string, stage models.Stage) error {
	logger := slog.With("usecaseId", usecaseID, "stage", string(stage))
	logger.Info("Generation loop starting.")

	inputs, err := f.stageInputs(ctx, usecaseID, stage)
	if err != nil {
		return fmt.Errorf("failed to load inputs for stage %s: %w", stage, err)
	}
	if len(inputs) == 0 {
		logger.Warn("No predecessor inputs for stage, marking failed.")
		return f.tracker.MarkTerminal(ctx, usecaseID, stage, models.StatusFailed)
	}

	throttle := NewThrottle(f.config.PacingInterval)
	persisted := 0
	for i, input := range inputs {
		if i > 0 {
			if err := throttle.Wait(ctx); err != nil {
				return fmt.Errorf("pacing wait aborted: %w", err)
			}
		}

		payloads, err := f.generateOne(ctx, stage, input)
		if err != nil {
			logger.Warn("Generation failed for one input, continuing with the rest.",
				"parentId", input.ParentID, "error", err)
			continue
		}

		for _, payload := range payloads {
			item := &models.GeneratedItem{
				UsecaseID: usecaseID,
				Kind:      stage,
				ParentID:  input.ParentID,
				Payload:   payload,
			}
			if err := f.store.InsertGeneratedItem(ctx, item); err != nil {
				logger.Error("Failed to persist generated item.", "parentId", input.ParentID, "error", err)
				continue
			}
			persisted++
		}
	}

	outcome := models.StatusFailed
	if persisted > 0 {
		outcome = models.StatusCompleted
	}
	logger.Info("Generation loop finished.", "persistedItems", persisted, "outcome", string(outcome))
	return f.tracker.MarkTerminal(ctx, usecaseID, stage, outcome)
}

func (f *GenerationFunction) generateOne(ctx context.Context, stage models.Stage, input stageInput) ([]json.RawMessage, error) {
	callCtx := ctx
	if f.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.config.CallTimeout)
		defer cancel()
	}
	return f.generator.Generate(callCtx, stage, input.Content)
}

// stageInputs returns the ordered predecessor items for one stage run. The
// requirement stage consumes a single input, the usecase's aggregated page
// text; later stages consume the previous stage's items ordered by DisplayID.
func (f *GenerationFunction) stageInputs(ctx context.Context, usecaseID string, stage models.Stage) ([]stageInput, error) {
	pred, ok := stage.Predecessor()
	if !ok {
		return nil, fmt.Errorf("stage %q has no predecessor to draw inputs from", stage)
	}
	if pred == models.StageExtraction {
		text, err := f.usecaseText(ctx, usecaseID)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, nil
		}
		return []stageInput{{ParentID: usecaseID, Content: text}}, nil
	}

	items, err := f.store.ListGeneratedItems(ctx, usecaseID, pred)
	if err != nil {
		return nil, err
	}
	inputs := make([]stageInput, 0, len(items))
	for _, item := range items {
		inputs = append(inputs, stageInput{ParentID: item.ID, Content: string(item.Payload)})
	}
	return inputs, nil
}

// usecaseText joins the completed page texts of every file of the usecase,
// in file order then page order. Pages that errored contribute nothing.
func (f *GenerationFunction) usecaseText(ctx context.Context, usecaseID string) (string, error) {
	files, err := f.store.ListSourceFiles(ctx, usecaseID)
	if err != nil {
		return "", fmt.Errorf("failed to list source files: %w", err)
	}
	var b strings.Builder
	for _, file := range files {
		pages, err := f.store.ListPageResults(ctx, file.ID)
		if err != nil {
			return "", fmt.Errorf("failed to list pages of file %s: %w", file.ID, err)
		}
		for _, page := range pages {
			if !page.Completed || page.Text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(page.Text)
		}
	}
	return b.String(), nil
}
