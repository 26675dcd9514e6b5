// Package store persists the pipeline's state: usecases, source files, page
// results and generated items. Implementations exist for Firestore (the
// deployed pipeline), SQLite (the local harness) and memory (tests).
package store

import (
	"context"
	"errors"

	"github.com/Lllllllleong/testcaseflow/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store bundles the persistence operations the pipeline services depend on.
// Every method is a single unit of work: each page write, item insertion and
// status transition commits on its own so partial progress survives a crash
// later in the same run.
type Store interface {
	// CreateUsecase stores a new usecase record.
	CreateUsecase(ctx context.Context, u *models.Usecase) error
	// GetUsecase loads a usecase by id.
	GetUsecase(ctx context.Context, id string) (*models.Usecase, error)
	// SetStageStatus writes one stage's status on a usecase.
	SetStageStatus(ctx context.Context, usecaseID string, stage models.Stage, status models.Status) error
	// ConfirmStage sets the user-confirmation flag of one stage.
	ConfirmStage(ctx context.Context, usecaseID string, stage models.Stage) error

	// CreateSourceFile stores a new source file record. A missing ID is
	// populated by the implementation.
	CreateSourceFile(ctx context.Context, f *models.SourceFile) error
	// GetSourceFile loads a source file by id.
	GetSourceFile(ctx context.Context, id string) (*models.SourceFile, error)
	// ListSourceFiles returns every source file of a usecase, oldest first.
	ListSourceFiles(ctx context.Context, usecaseID string) ([]*models.SourceFile, error)
	// FindFileByHash looks a usecase's source file up by content hash, for
	// duplicate-upload detection.
	FindFileByHash(ctx context.Context, usecaseID, hash string) (*models.SourceFile, error)
	// SetFileStatus writes a source file's extraction status and error detail.
	SetFileStatus(ctx context.Context, fileID string, status models.Status, errorDetails string) error
	// SetFileSummary writes the end-of-run page counts and final status.
	SetFileSummary(ctx context.Context, fileID string, status models.Status, pageCount, completedPages, errorPages int) error

	// UpsertPageResult writes one page's recognition outcome, keyed by
	// (FileID, PageNumber).
	UpsertPageResult(ctx context.Context, p *models.PageResult) error
	// ListPageResults returns a file's page results ordered by page number.
	ListPageResults(ctx context.Context, fileID string) ([]*models.PageResult, error)

	// InsertGeneratedItem stores a generated item, assigning its ID when
	// missing and its DisplayID from the usecase's per-kind counter. The
	// counter increment and the insert commit atomically.
	InsertGeneratedItem(ctx context.Context, item *models.GeneratedItem) error
	// ListGeneratedItems returns a usecase's items of one kind ordered by
	// DisplayID.
	ListGeneratedItems(ctx context.Context, usecaseID string, kind models.Stage) ([]*models.GeneratedItem, error)
	// CountGeneratedItems counts a usecase's items of one kind.
	CountGeneratedItems(ctx context.Context, usecaseID string, kind models.Stage) (int, error)
}
