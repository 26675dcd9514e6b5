package models

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state shared by usecase stages and source files.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s ends a run. A terminal status only changes
// through a manual reset or a retry from FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Stage identifies one step of the pipeline. The stage value doubles as the
// Firestore field name on the usecase document and as the kind of the
// generated items the stage produces.
type Stage string

const (
	StageExtraction  Stage = "extraction"
	StageRequirement Stage = "requirement"
	StageScenario    Stage = "scenario"
	StageTestCase    Stage = "testcase"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageExtraction, StageRequirement, StageScenario, StageTestCase}

// Valid reports whether s is a known pipeline stage.
func (s Stage) Valid() bool {
	switch s {
	case StageExtraction, StageRequirement, StageScenario, StageTestCase:
		return true
	}
	return false
}

// Predecessor returns the stage that must be Completed before s may start.
// The second return is false for extraction, which has no predecessor.
func (s Stage) Predecessor() (Stage, bool) {
	switch s {
	case StageRequirement:
		return StageExtraction, true
	case StageScenario:
		return StageRequirement, true
	case StageTestCase:
		return StageScenario, true
	}
	return "", false
}

// GeneratesItems reports whether s produces GeneratedItem records. Extraction
// produces PageResults instead.
func (s Stage) GeneratesItems() bool {
	return s == StageRequirement || s == StageScenario || s == StageTestCase
}

// Precondition failures surfaced by the stage gate. Callers match them with
// errors.Is; the wrapped message names the blocking status.
var (
	ErrUnknownStage          = errors.New("unknown stage")
	ErrStageInProgress       = errors.New("stage already in progress")
	ErrStageCompleted        = errors.New("stage already completed")
	ErrPredecessorIncomplete = errors.New("predecessor stage not completed")
	ErrStageNotConfirmed     = errors.New("stage not confirmed")
	ErrStageNotTerminal      = errors.New("stage has not finished")
)

// CanStart evaluates the gate for moving stage to InProgress on u. It is a
// pure check: the usecase is not mutated. A nil return means the stage may
// start; otherwise the error names the blocking condition and status.
//
// A stage may start when its predecessor is Completed and its own status is
// NotStarted (with the confirmation flag set) or Failed. Failed permits a
// retry without re-confirmation.
func (u *Usecase) CanStart(stage Stage) error {
	st, ok := u.Stage(stage)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if pred, ok := stage.Predecessor(); ok {
		ps, _ := u.Stage(pred)
		if ps.Status != StatusCompleted {
			return fmt.Errorf("stage %s requires %s to be %s, found %s: %w",
				stage, pred, StatusCompleted, ps.Status, ErrPredecessorIncomplete)
		}
	}
	switch st.Status {
	case StatusInProgress:
		return fmt.Errorf("stage %s is %s: %w", stage, st.Status, ErrStageInProgress)
	case StatusCompleted:
		return fmt.Errorf("stage %s is %s: %w", stage, st.Status, ErrStageCompleted)
	case StatusNotStarted:
		if !st.Confirmed {
			return fmt.Errorf("stage %s: %w", stage, ErrStageNotConfirmed)
		}
	}
	return nil
}
