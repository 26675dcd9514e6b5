package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/testcaseflow/internal/gcp"
	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

// StageRunner is the management surface for usecases and their stages. It
// creates usecases, reports their state and drives the stage gate for the
// generation stages.
type StageRunner struct {
	store      store.Store
	generation *GenerationFunction
}

// NewStageRunner wires the runner from the environment for the deployed
// function.
func NewStageRunner(ctx context.Context) (*StageRunner, error) {
	projectID := gcp.GetEnv("GCP_PROJECT", "")
	if projectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT environment variable must be set")
	}
	genConfig, err := LoadGenerationConfig()
	if err != nil {
		return nil, err
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	vertexClient, err := gcp.NewVertexClient(ctx, projectID, gcp.GetEnv("GCP_LOCATION", "us-central1"))
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}
	st := store.NewFirestore(fsClient)
	// The background loops outlive the triggering request, so they run on
	// their own base context.
	scheduler := NewGoScheduler(context.Background())
	generation := NewGenerationFunction(st, gcp.NewGeminiGenerator(vertexClient), scheduler, genConfig)
	return NewStageRunnerWith(st, generation), nil
}

// NewStageRunnerWith assembles a runner from already-built collaborators.
func NewStageRunnerWith(st store.Store, generation *GenerationFunction) *StageRunner {
	return &StageRunner{store: st, generation: generation}
}

// Create registers a new usecase. An empty id gets a generated one.
func (r *StageRunner) Create(ctx context.Context, id string) (*models.Usecase, error) {
	if id == "" {
		id = uuid.NewString()
	}
	u := models.NewUsecase(id, time.Now().UTC())
	if err := r.store.CreateUsecase(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to create usecase: %w", err)
	}
	slog.Info("Usecase created.", "usecaseId", u.ID)
	return u, nil
}

// Get returns the current usecase snapshot.
func (r *StageRunner) Get(ctx context.Context, id string) (*models.Usecase, error) {
	return r.store.GetUsecase(ctx, id)
}

// Confirm marks a stage as user-confirmed.
func (r *StageRunner) Confirm(ctx context.Context, usecaseID string, stage models.Stage) error {
	return r.generation.Confirm(ctx, usecaseID, stage)
}

// Start launches a generation stage. Extraction is excluded: it starts from
// file uploads, not from a start request.
func (r *StageRunner) Start(ctx context.Context, usecaseID string, stage models.Stage) error {
	if stage == models.StageExtraction {
		return fmt.Errorf("stage %s is driven by file uploads and cannot be started directly", stage)
	}
	return r.generation.Start(ctx, usecaseID, stage)
}

// Reset returns a terminal stage to NotStarted so it can run again.
func (r *StageRunner) Reset(ctx context.Context, usecaseID string, stage models.Stage) error {
	return r.generation.Reset(ctx, usecaseID, stage)
}
