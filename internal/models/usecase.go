package models

import (
	"encoding/json"
	"time"
)

// StageState tracks one pipeline stage on a usecase. Confirmed records the
// user's sign-off required for the first transition out of NotStarted.
type StageState struct {
	Status    Status    `firestore:"status" json:"status"`
	Confirmed bool      `firestore:"confirmed" json:"confirmed"`
	UpdatedAt time.Time `firestore:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// Usecase is the aggregate record for one document-processing session. It
// carries one StageState per pipeline stage and is mutated only through the
// stage tracker and the reconciler.
type Usecase struct {
	ID          string     `firestore:"-" json:"id"`
	Extraction  StageState `firestore:"extraction" json:"extraction"`
	Requirement StageState `firestore:"requirement" json:"requirement"`
	Scenario    StageState `firestore:"scenario" json:"scenario"`
	TestCase    StageState `firestore:"testcase" json:"testcase"`
	CreatedAt   time.Time  `firestore:"createdAt,omitempty" json:"createdAt,omitempty"`
	UpdatedAt   time.Time  `firestore:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// NewUsecase returns a usecase with every stage NotStarted and unconfirmed.
func NewUsecase(id string, now time.Time) *Usecase {
	fresh := StageState{Status: StatusNotStarted, UpdatedAt: now}
	return &Usecase{
		ID:          id,
		Extraction:  fresh,
		Requirement: fresh,
		Scenario:    fresh,
		TestCase:    fresh,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Stage returns the state of the named stage. The second return is false for
// an unknown stage.
func (u *Usecase) Stage(stage Stage) (StageState, bool) {
	switch stage {
	case StageExtraction:
		return u.Extraction, true
	case StageRequirement:
		return u.Requirement, true
	case StageScenario:
		return u.Scenario, true
	case StageTestCase:
		return u.TestCase, true
	}
	return StageState{}, false
}

// SetStage replaces the state of the named stage. It reports false for an
// unknown stage.
func (u *Usecase) SetStage(stage Stage, st StageState) bool {
	switch stage {
	case StageExtraction:
		u.Extraction = st
	case StageRequirement:
		u.Requirement = st
	case StageScenario:
		u.Scenario = st
	case StageTestCase:
		u.TestCase = st
	default:
		return false
	}
	return true
}

// SourceFile is one uploaded document attached to a usecase. Its Status is
// the per-file extraction state machine; the aggregate usecase extraction
// status is derived from all files of the usecase.
type SourceFile struct {
	ID               string    `firestore:"-" json:"id"`
	UsecaseID        string    `firestore:"usecaseId" json:"usecaseId"`
	BlobURI          string    `firestore:"blobUri" json:"blobUri"`
	OriginalFilename string    `firestore:"originalFilename,omitempty" json:"originalFilename,omitempty"`
	FileHash         string    `firestore:"fileHash,omitempty" json:"fileHash,omitempty"`
	Status           Status    `firestore:"status" json:"status"`
	ErrorDetails     string    `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	PageCount        int       `firestore:"pageCount" json:"pageCount"`
	CompletedPages   int       `firestore:"completedPages" json:"completedPages"`
	ErrorPages       int       `firestore:"errorPages" json:"errorPages"`
	CreatedAt        time.Time `firestore:"createdAt,omitempty" json:"createdAt,omitempty"`
	UpdatedAt        time.Time `firestore:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// PageResult holds the recognition outcome for a single page of a source
// file. Rows are upserted per page, keyed by (FileID, PageNumber).
type PageResult struct {
	FileID       string    `firestore:"fileId" json:"fileId"`
	PageNumber   int       `firestore:"pageNumber" json:"pageNumber"`
	Text         string    `firestore:"text,omitempty" json:"text,omitempty"`
	Completed    bool      `firestore:"completed" json:"completed"`
	ErrorMessage string    `firestore:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// PageUnit addresses one rendered page awaiting recognition.
type PageUnit struct {
	PageNumber int
	URI        string
}

// GeneratedItem is one requirement, scenario or test case produced by a
// generation stage. Payload carries the model output verbatim; DisplayID is
// the dense per-usecase, per-kind rank assigned once at insert.
type GeneratedItem struct {
	ID        string          `firestore:"-" json:"id"`
	UsecaseID string          `firestore:"usecaseId" json:"usecaseId"`
	Kind      Stage           `firestore:"kind" json:"kind"`
	ParentID  string          `firestore:"parentId" json:"parentId"`
	DisplayID int             `firestore:"displayId" json:"displayId"`
	Payload   json.RawMessage `firestore:"payload" json:"payload"`
	CreatedAt time.Time       `firestore:"createdAt,omitempty" json:"createdAt,omitempty"`
}
