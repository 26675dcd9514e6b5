package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

// Reconciler repairs stage status left stuck by uncaught failures. It runs
// after every stage run, on success and failure paths alike.
type Reconciler struct {
	store store.Store
}

// NewReconciler returns a reconciler reading and writing through st.
func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{store: st}
}

// Reconcile forces a stuck InProgress stage to Completed when the run left
// persisted items behind. A run that produced items then crashed before its
// terminal status write is treated the same as one that finished cleanly.
// Idempotent: terminal statuses and item-less stages are left untouched.
func (r *Reconciler) Reconcile(ctx context.Context, usecaseID string, stage models.Stage) error {
	if !stage.GeneratesItems() {
		return nil
	}
	u, err := r.store.GetUsecase(ctx, usecaseID)
	if err != nil {
		return fmt.Errorf("reconciler could not load usecase: %w", err)
	}
	st, ok := u.Stage(stage)
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	if st.Status != models.StatusInProgress {
		return nil
	}
	count, err := r.store.CountGeneratedItems(ctx, usecaseID, stage)
	if err != nil {
		return fmt.Errorf("reconciler could not count items: %w", err)
	}
	if count == 0 {
		return nil
	}
	slog.Warn("Stage stuck in progress with persisted items, forcing completion.",
		"usecaseId", usecaseID, "stage", string(stage), "itemCount", count)
	return r.store.SetStageStatus(ctx, usecaseID, stage, models.StatusCompleted)
}
