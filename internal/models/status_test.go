package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

func TestCanStart(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(u *Usecase)
		stage   Stage
		wantErr error
	}{
		{
			name:    "extraction first run requires confirmation",
			stage:   StageExtraction,
			wantErr: ErrStageNotConfirmed,
		},
		{
			name: "extraction first run confirmed",
			mutate: func(u *Usecase) {
				u.Extraction.Confirmed = true
			},
			stage: StageExtraction,
		},
		{
			name: "extraction in progress rejects re-entry",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusInProgress, Confirmed: true}
			},
			stage:   StageExtraction,
			wantErr: ErrStageInProgress,
		},
		{
			name: "extraction completed blocks rerun",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusCompleted, Confirmed: true}
			},
			stage:   StageExtraction,
			wantErr: ErrStageCompleted,
		},
		{
			name: "extraction failed permits retry",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusFailed, Confirmed: true}
			},
			stage: StageExtraction,
		},
		{
			name: "failed retry does not re-require confirmation",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusCompleted}
				u.Requirement = StageState{Status: StatusFailed, Confirmed: false}
			},
			stage: StageRequirement,
		},
		{
			name: "requirement blocked while extraction in progress",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusInProgress, Confirmed: true}
				u.Requirement.Confirmed = true
			},
			stage:   StageRequirement,
			wantErr: ErrPredecessorIncomplete,
		},
		{
			name: "requirement blocked while extraction failed",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusFailed, Confirmed: true}
				u.Requirement.Confirmed = true
			},
			stage:   StageRequirement,
			wantErr: ErrPredecessorIncomplete,
		},
		{
			name: "requirement ready once extraction completed",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusCompleted, Confirmed: true}
				u.Requirement.Confirmed = true
			},
			stage: StageRequirement,
		},
		{
			name: "scenario requires requirement completed exactly",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusCompleted, Confirmed: true}
				u.Requirement = StageState{Status: StatusInProgress, Confirmed: true}
				u.Scenario.Confirmed = true
			},
			stage:   StageScenario,
			wantErr: ErrPredecessorIncomplete,
		},
		{
			name: "testcase ready at end of chain",
			mutate: func(u *Usecase) {
				u.Extraction = StageState{Status: StatusCompleted, Confirmed: true}
				u.Requirement = StageState{Status: StatusCompleted, Confirmed: true}
				u.Scenario = StageState{Status: StatusCompleted, Confirmed: true}
				u.TestCase.Confirmed = true
			},
			stage: StageTestCase,
		},
		{
			name:    "unknown stage",
			stage:   Stage("translation"),
			wantErr: ErrUnknownStage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewUsecase("uc-1", testNow)
			if tt.mutate != nil {
				tt.mutate(u)
			}
			before := *u

			err := u.CanStart(tt.stage)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, before, *u, "gate check must not mutate the usecase")
		})
	}
}

func TestStagePredecessor(t *testing.T) {
	_, ok := StageExtraction.Predecessor()
	assert.False(t, ok)

	chain := map[Stage]Stage{
		StageRequirement: StageExtraction,
		StageScenario:    StageRequirement,
		StageTestCase:    StageScenario,
	}
	for stage, want := range chain {
		pred, ok := stage.Predecessor()
		require.True(t, ok, "stage %s", stage)
		assert.Equal(t, want, pred)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusNotStarted.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusNotStarted, StatusInProgress, StatusCompleted, StatusFailed} {
		assert.True(t, s.Valid(), "status %s", s)
	}
	assert.False(t, Status("PROCESSING").Valid())
}

func TestUsecaseStageAccessors(t *testing.T) {
	u := NewUsecase("uc-1", testNow)

	for _, stage := range Stages {
		st, ok := u.Stage(stage)
		require.True(t, ok, "stage %s", stage)
		assert.Equal(t, StatusNotStarted, st.Status)
		assert.False(t, st.Confirmed)
	}

	ok := u.SetStage(StageScenario, StageState{Status: StatusInProgress, Confirmed: true})
	require.True(t, ok)
	st, _ := u.Stage(StageScenario)
	assert.Equal(t, StatusInProgress, st.Status)
	assert.True(t, st.Confirmed)

	_, ok = u.Stage(Stage("bogus"))
	assert.False(t, ok)
	assert.False(t, u.SetStage(Stage("bogus"), StageState{}))
}

func TestStageGeneratesItems(t *testing.T) {
	assert.False(t, StageExtraction.GeneratesItems())
	assert.True(t, StageRequirement.GeneratesItems())
	assert.True(t, StageScenario.GeneratesItems())
	assert.True(t, StageTestCase.GeneratesItems())
}
