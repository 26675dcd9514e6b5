package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/testcaseflow/internal/models"
)

var seedTime = time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

// openStores returns one store per backend so every test runs against both.
// The Firestore implementation needs a live project and is exercised only in
// deployment.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func seedUsecase(t *testing.T, s Store, id string) *models.Usecase {
	t.Helper()
	u := models.NewUsecase(id, seedTime)
	require.NoError(t, s.CreateUsecase(context.Background(), u))
	return u
}

func seedFile(t *testing.T, s Store, usecaseID, id string, createdAt time.Time) *models.SourceFile {
	t.Helper()
	f := &models.SourceFile{
		ID:        id,
		UsecaseID: usecaseID,
		BlobURI:   "gs://bucket/" + usecaseID + "/" + id + ".pdf",
		Status:    models.StatusNotStarted,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, s.CreateSourceFile(context.Background(), f))
	return f
}

func TestUsecaseRoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedUsecase(t, s, "uc-1")

			got, err := s.GetUsecase(ctx, "uc-1")
			require.NoError(t, err)
			assert.Equal(t, "uc-1", got.ID)
			for _, stage := range models.Stages {
				st, ok := got.Stage(stage)
				require.True(t, ok)
				assert.Equal(t, models.StatusNotStarted, st.Status, "stage %s", stage)
				assert.False(t, st.Confirmed, "stage %s", stage)
			}

			_, err = s.GetUsecase(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStageStatusWrites(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedUsecase(t, s, "uc-1")

			require.NoError(t, s.SetStageStatus(ctx, "uc-1", models.StageExtraction, models.StatusInProgress))
			require.NoError(t, s.ConfirmStage(ctx, "uc-1", models.StageRequirement))

			got, err := s.GetUsecase(ctx, "uc-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusInProgress, got.Extraction.Status)
			assert.Equal(t, models.StatusNotStarted, got.Requirement.Status)
			assert.True(t, got.Requirement.Confirmed)
			assert.Equal(t, models.StatusNotStarted, got.Scenario.Status)

			err = s.SetStageStatus(ctx, "uc-1", models.Stage("bogus"), models.StatusCompleted)
			assert.ErrorIs(t, err, models.ErrUnknownStage)

			err = s.SetStageStatus(ctx, "missing", models.StageExtraction, models.StatusCompleted)
			assert.Error(t, err)
		})
	}
}

func TestSourceFileLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedUsecase(t, s, "uc-1")

			f := &models.SourceFile{
				UsecaseID:        "uc-1",
				BlobURI:          "gs://bucket/uc-1/design.pdf",
				OriginalFilename: "design.pdf",
				FileHash:         "abc123",
				Status:           models.StatusNotStarted,
				CreatedAt:        seedTime,
				UpdatedAt:        seedTime,
			}
			require.NoError(t, s.CreateSourceFile(ctx, f))
			require.NotEmpty(t, f.ID)

			got, err := s.GetSourceFile(ctx, f.ID)
			require.NoError(t, err)
			assert.Equal(t, "gs://bucket/uc-1/design.pdf", got.BlobURI)
			assert.Equal(t, "design.pdf", got.OriginalFilename)
			assert.Equal(t, "abc123", got.FileHash)
			assert.Equal(t, models.StatusNotStarted, got.Status)

			seedFile(t, s, "uc-1", "file-2", seedTime.Add(time.Hour))

			files, err := s.ListSourceFiles(ctx, "uc-1")
			require.NoError(t, err)
			require.Len(t, files, 2)
			assert.Equal(t, "file-2", files[1].ID, "younger file listed last")

			byHash, err := s.FindFileByHash(ctx, "uc-1", "abc123")
			require.NoError(t, err)
			assert.Equal(t, f.ID, byHash.ID)

			_, err = s.FindFileByHash(ctx, "uc-1", "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SetFileStatus(ctx, f.ID, models.StatusFailed, "fetch exploded"))
			got, err = s.GetSourceFile(ctx, f.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailed, got.Status)
			assert.Equal(t, "fetch exploded", got.ErrorDetails)

			require.NoError(t, s.SetFileSummary(ctx, f.ID, models.StatusCompleted, 5, 4, 1))
			got, err = s.GetSourceFile(ctx, f.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, got.Status)
			assert.Equal(t, 5, got.PageCount)
			assert.Equal(t, 4, got.CompletedPages)
			assert.Equal(t, 1, got.ErrorPages)

			assert.ErrorIs(t, s.SetFileStatus(ctx, "missing", models.StatusFailed, ""), ErrNotFound)
			assert.ErrorIs(t, s.SetFileSummary(ctx, "missing", models.StatusCompleted, 0, 0, 0), ErrNotFound)
		})
	}
}

func TestPageResultUpsert(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedUsecase(t, s, "uc-1")
			seedFile(t, s, "uc-1", "file-1", seedTime)

			for _, page := range []int{2, 1, 3} {
				p := &models.PageResult{
					FileID:     "file-1",
					PageNumber: page,
					Text:       fmt.Sprintf("page %d", page),
					Completed:  true,
				}
				require.NoError(t, s.UpsertPageResult(ctx, p))
			}

			pages, err := s.ListPageResults(ctx, "file-1")
			require.NoError(t, err)
			require.Len(t, pages, 3)
			for i, p := range pages {
				assert.Equal(t, i+1, p.PageNumber, "ordered by page number")
			}

			require.NoError(t, s.UpsertPageResult(ctx, &models.PageResult{
				FileID:       "file-1",
				PageNumber:   2,
				Completed:    false,
				ErrorMessage: "recognition timed out",
			}))

			pages, err = s.ListPageResults(ctx, "file-1")
			require.NoError(t, err)
			require.Len(t, pages, 3, "upsert replaces, never duplicates")
			assert.False(t, pages[1].Completed)
			assert.Equal(t, "recognition timed out", pages[1].ErrorMessage)
			assert.Empty(t, pages[1].Text)
		})
	}
}

func TestGeneratedItemDisplayIDs(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedUsecase(t, s, "uc-1")

			for i := 0; i < 3; i++ {
				item := &models.GeneratedItem{
					UsecaseID: "uc-1",
					Kind:      models.StageRequirement,
					ParentID:  "uc-1",
					Payload:   json.RawMessage(fmt.Sprintf(`{"title":"req %d"}`, i+1)),
				}
				require.NoError(t, s.InsertGeneratedItem(ctx, item))
				require.NotEmpty(t, item.ID)
				assert.Equal(t, i+1, item.DisplayID, "dense sequence per kind")
			}

			// Each kind runs its own counter.
			scenario := &models.GeneratedItem{
				UsecaseID: "uc-1",
				Kind:      models.StageScenario,
				ParentID:  "req-1",
				Payload:   json.RawMessage(`{"title":"sc 1"}`),
			}
			require.NoError(t, s.InsertGeneratedItem(ctx, scenario))
			assert.Equal(t, 1, scenario.DisplayID)

			items, err := s.ListGeneratedItems(ctx, "uc-1", models.StageRequirement)
			require.NoError(t, err)
			require.Len(t, items, 3)
			for i, it := range items {
				assert.Equal(t, i+1, it.DisplayID)
				assert.JSONEq(t, fmt.Sprintf(`{"title":"req %d"}`, i+1), string(it.Payload))
			}

			n, err := s.CountGeneratedItems(ctx, "uc-1", models.StageRequirement)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			n, err = s.CountGeneratedItems(ctx, "uc-1", models.StageTestCase)
			require.NoError(t, err)
			assert.Zero(t, n)

			err = s.InsertGeneratedItem(ctx, &models.GeneratedItem{
				UsecaseID: "uc-1",
				Kind:      models.StageExtraction,
				Payload:   json.RawMessage(`{}`),
			})
			assert.Error(t, err, "extraction produces pages, not items")
		})
	}
}

func TestDisplayIDUnderConcurrentInserts(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedUsecase(t, s, "uc-1")

			const inserts = 10
			var wg sync.WaitGroup
			errCh := make(chan error, inserts)
			for i := 0; i < inserts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errCh <- s.InsertGeneratedItem(ctx, &models.GeneratedItem{
						UsecaseID: "uc-1",
						Kind:      models.StageRequirement,
						ParentID:  "uc-1",
						Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
					})
				}(i)
			}
			wg.Wait()
			close(errCh)
			for err := range errCh {
				require.NoError(t, err)
			}

			items, err := s.ListGeneratedItems(ctx, "uc-1", models.StageRequirement)
			require.NoError(t, err)
			require.Len(t, items, inserts)
			for i, it := range items {
				assert.Equal(t, i+1, it.DisplayID, "no gaps, no duplicates")
			}
		})
	}
}
