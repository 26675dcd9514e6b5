package services

import (
	"context"
	"fmt"

	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

// StageTracker performs the status transitions of the usecase stage state
// machine. Transitions are a single status read followed by a single write;
// the gate's InProgress re-entry rejection keeps each usecase-stage
// single-writer, so no further locking happens here.
type StageTracker struct {
	store store.Store
}

// NewStageTracker returns a tracker writing through st.
func NewStageTracker(st store.Store) *StageTracker {
	return &StageTracker{store: st}
}

// CanStart loads the usecase and evaluates the start gate for stage.
func (t *StageTracker) CanStart(ctx context.Context, usecaseID string, stage models.Stage) error {
	u, err := t.store.GetUsecase(ctx, usecaseID)
	if err != nil {
		return err
	}
	return u.CanStart(stage)
}

// MarkStarted moves stage to InProgress.
func (t *StageTracker) MarkStarted(ctx context.Context, usecaseID string, stage models.Stage) error {
	return t.store.SetStageStatus(ctx, usecaseID, stage, models.StatusInProgress)
}

// MarkTerminal records the run's outcome, which must be Completed or Failed.
func (t *StageTracker) MarkTerminal(ctx context.Context, usecaseID string, stage models.Stage, outcome models.Status) error {
	if !outcome.Terminal() {
		return fmt.Errorf("status %s is not a terminal outcome", outcome)
	}
	return t.store.SetStageStatus(ctx, usecaseID, stage, outcome)
}

// Reset returns a terminal stage to NotStarted so it can be run again. The
// confirmation flag survives the reset.
func (t *StageTracker) Reset(ctx context.Context, usecaseID string, stage models.Stage) error {
	u, err := t.store.GetUsecase(ctx, usecaseID)
	if err != nil {
		return err
	}
	st, ok := u.Stage(stage)
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	if !st.Status.Terminal() {
		return fmt.Errorf("%w: stage %s is %s, only a terminal stage can be reset", models.ErrStageNotTerminal, stage, st.Status)
	}
	return t.store.SetStageStatus(ctx, usecaseID, stage, models.StatusNotStarted)
}

// Confirm records the user's sign-off required for a stage's first run.
func (t *StageTracker) Confirm(ctx context.Context, usecaseID string, stage models.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	return t.store.ConfirmStage(ctx, usecaseID, stage)
}
