package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

func newRunnerFixture(t *testing.T) (store.Store, *StageRunner, *GoScheduler) {
	t.Helper()
	st := store.NewMemory()
	sched := NewGoScheduler(context.Background())
	generation := NewGenerationFunction(st, &fakeGenerator{}, sched, GenerationConfig{})
	return st, NewStageRunnerWith(st, generation), sched
}

func TestRunnerCreateAssignsID(t *testing.T) {
	_, runner, _ := newRunnerFixture(t)

	u, err := runner.Create(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)

	for _, stage := range models.Stages {
		state, ok := u.Stage(stage)
		require.True(t, ok)
		assert.Equal(t, models.StatusNotStarted, state.Status)
		assert.False(t, state.Confirmed)
	}
}

func TestRunnerCreateKeepsGivenID(t *testing.T) {
	_, runner, _ := newRunnerFixture(t)

	u, err := runner.Create(context.Background(), "billing-portal")
	require.NoError(t, err)
	assert.Equal(t, "billing-portal", u.ID)

	_, err = runner.Create(context.Background(), "billing-portal")
	require.Error(t, err, "usecase ids must be unique")
}

func TestRunnerStartRejectsExtraction(t *testing.T) {
	ctx := context.Background()
	_, runner, _ := newRunnerFixture(t)

	u, err := runner.Create(ctx, "")
	require.NoError(t, err)

	err = runner.Start(ctx, u.ID, models.StageExtraction)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driven by file uploads")
}

func TestRunnerStartRunsGenerationStage(t *testing.T) {
	ctx := context.Background()
	st, runner, sched := newRunnerFixture(t)

	u, err := runner.Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, st.SetStageStatus(ctx, u.ID, models.StageExtraction, models.StatusCompleted))
	seedExtractedPages(t, st, u.ID)

	require.NoError(t, runner.Confirm(ctx, u.ID, models.StageRequirement))
	require.NoError(t, runner.Start(ctx, u.ID, models.StageRequirement))
	sched.Wait()

	assert.Equal(t, models.StatusCompleted, stageStatus(t, st, u.ID, models.StageRequirement))
}

func TestRunnerResetDelegates(t *testing.T) {
	ctx := context.Background()
	st, runner, _ := newRunnerFixture(t)

	u, err := runner.Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, st.SetStageStatus(ctx, u.ID, models.StageRequirement, models.StatusFailed))

	require.NoError(t, runner.Reset(ctx, u.ID, models.StageRequirement))
	assert.Equal(t, models.StatusNotStarted, stageStatus(t, st, u.ID, models.StageRequirement))
}
