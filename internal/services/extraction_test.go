package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (b *fakeBlobStore) Fetch(ctx context.Context, uri, destPath string) error {
	b.mu.Lock()
	data, ok := b.objects[uri]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s does not exist", uri)
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (b *fakeBlobStore) Save(ctx context.Context, uri string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[uri] = data
	b.mu.Unlock()
	return nil
}

type fakeRecognizer struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	fn          func(call int, units []models.PageUnit) ([]string, error)
}

func (r *fakeRecognizer) Recognize(ctx context.Context, units []models.PageUnit) ([]string, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()
	if r.fn != nil {
		return r.fn(call, units)
	}
	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = fmt.Sprintf("text of page %d", u.PageNumber)
	}
	return texts, nil
}

func (r *fakeRecognizer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func baseExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		NumWorkers:      2,
		BatchSize:       2,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		PageUnitBaseURI: "gs://split-pages",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func pageUnits(n int) []models.PageUnit {
	units := make([]models.PageUnit, n)
	for i := range units {
		units[i] = models.PageUnit{PageNumber: i + 1, URI: fmt.Sprintf("gs://split-pages/f/%05d.pdf", i+1)}
	}
	return units
}

func seedExtractionUsecase(t *testing.T, st store.Store) string {
	t.Helper()
	ctx := context.Background()
	u := models.NewUsecase("uc-extract", genNow)
	require.NoError(t, st.CreateUsecase(ctx, u))
	require.NoError(t, st.ConfirmStage(ctx, u.ID, models.StageExtraction))
	return u.ID
}

func seedExtractionFile(t *testing.T, st store.Store, usecaseID string, status models.Status) *models.SourceFile {
	t.Helper()
	file := &models.SourceFile{
		UsecaseID:        usecaseID,
		BlobURI:          fmt.Sprintf("gs://uploads/%s/uploads/doc.pdf", usecaseID),
		OriginalFilename: "doc.pdf",
		FileHash:         "hash-extract",
		Status:           status,
	}
	require.NoError(t, st.CreateSourceFile(context.Background(), file))
	return file
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		pages     int
		batchSize int
		want      []int
	}{
		{name: "five pages in twos", pages: 5, batchSize: 2, want: []int{2, 2, 1}},
		{name: "even split", pages: 4, batchSize: 2, want: []int{2, 2}},
		{name: "batch larger than input", pages: 3, batchSize: 10, want: []int{3}},
		{name: "single page batches", pages: 3, batchSize: 1, want: []int{1, 1, 1}},
		{name: "no pages", pages: 0, batchSize: 2, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := partition(pageUnits(tt.pages), tt.batchSize)
			require.Len(t, batches, len(tt.want))
			next := 1
			for i, batch := range batches {
				assert.Len(t, batch, tt.want[i])
				for _, unit := range batch {
					assert.Equal(t, next, unit.PageNumber, "batches must keep page order")
					next++
				}
			}
		})
	}
}

func TestProcessBatchesBoundsConcurrency(t *testing.T) {
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	file := seedExtractionFile(t, st, id, models.StatusInProgress)
	rec := &fakeRecognizer{fn: func(call int, units []models.PageUnit) ([]string, error) {
		time.Sleep(10 * time.Millisecond)
		texts := make([]string, len(units))
		for i := range texts {
			texts[i] = "text"
		}
		return texts, nil
	}}
	cfg := baseExtractionConfig()
	cfg.NumWorkers = 2
	cfg.BatchSize = 1
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), rec, cfg)
	require.NoError(t, err)

	completed, errored := fn.processBatches(context.Background(), quietLogger(), file.ID, pageUnits(8))

	assert.Equal(t, 8, completed)
	assert.Zero(t, errored)
	assert.LessOrEqual(t, rec.maxInFlight, 2, "no more than NumWorkers batches may run at once")

	pages, err := st.ListPageResults(context.Background(), file.ID)
	require.NoError(t, err)
	require.Len(t, pages, 8)
	for _, p := range pages {
		assert.True(t, p.Completed)
	}
}

func TestProcessBatchRetriesTransientFailures(t *testing.T) {
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	file := seedExtractionFile(t, st, id, models.StatusInProgress)
	rec := &fakeRecognizer{fn: func(call int, units []models.PageUnit) ([]string, error) {
		if call < 3 {
			return nil, fmt.Errorf("transient model error")
		}
		return []string{"page one", "page two"}, nil
	}}
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), rec, baseExtractionConfig())
	require.NoError(t, err)

	completed, errored := fn.processBatch(context.Background(), quietLogger(), file.ID, pageUnits(2))

	assert.Equal(t, 2, completed)
	assert.Zero(t, errored)
	assert.Equal(t, 3, rec.callCount(), "two transient failures then success")

	pages, err := st.ListPageResults(context.Background(), file.ID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "page one", pages[0].Text)
	assert.True(t, pages[0].Completed)
}

func TestProcessBatchTimeoutIsTerminal(t *testing.T) {
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	file := seedExtractionFile(t, st, id, models.StatusInProgress)
	rec := &fakeRecognizer{fn: func(call int, units []models.PageUnit) ([]string, error) {
		return nil, fmt.Errorf("rpc failed: %w", context.DeadlineExceeded)
	}}
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), rec, baseExtractionConfig())
	require.NoError(t, err)

	completed, errored := fn.processBatch(context.Background(), quietLogger(), file.ID, pageUnits(2))

	assert.Zero(t, completed)
	assert.Equal(t, 2, errored)
	assert.Equal(t, 1, rec.callCount(), "a timeout must not be retried")

	pages, err := st.ListPageResults(context.Background(), file.ID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	for _, p := range pages {
		assert.False(t, p.Completed)
		assert.Contains(t, p.ErrorMessage, "timed out")
	}
}

func TestProcessBatchCallDeadlineIsTerminal(t *testing.T) {
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	file := seedExtractionFile(t, st, id, models.StatusInProgress)
	rec := &fakeRecognizer{fn: func(call int, units []models.PageUnit) ([]string, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, fmt.Errorf("model gave up")
	}}
	cfg := baseExtractionConfig()
	cfg.RecognizeTimeout = 10 * time.Millisecond
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), rec, cfg)
	require.NoError(t, err)

	completed, errored := fn.processBatch(context.Background(), quietLogger(), file.ID, pageUnits(2))

	assert.Zero(t, completed)
	assert.Equal(t, 2, errored)
	assert.Equal(t, 1, rec.callCount(), "an exceeded call deadline must not be retried")
}

func TestProcessBatchExhaustsRetries(t *testing.T) {
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	file := seedExtractionFile(t, st, id, models.StatusInProgress)
	rec := &fakeRecognizer{fn: func(call int, units []models.PageUnit) ([]string, error) {
		return nil, fmt.Errorf("model unavailable")
	}}
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), rec, baseExtractionConfig())
	require.NoError(t, err)

	completed, errored := fn.processBatch(context.Background(), quietLogger(), file.ID, pageUnits(2))

	assert.Zero(t, completed)
	assert.Equal(t, 2, errored)
	assert.Equal(t, 3, rec.callCount(), "first attempt plus MaxRetries retries")

	pages, err := st.ListPageResults(context.Background(), file.ID)
	require.NoError(t, err)
	for _, p := range pages {
		assert.False(t, p.Completed)
		assert.Contains(t, p.ErrorMessage, "after all retries")
	}
}

func TestProcessRejectsCompletedStage(t *testing.T) {
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	require.NoError(t, st.SetStageStatus(context.Background(), id, models.StageExtraction, models.StatusCompleted))
	file := seedExtractionFile(t, st, id, models.StatusNotStarted)
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), &fakeRecognizer{}, baseExtractionConfig())
	require.NoError(t, err)

	_, err = fn.Process(context.Background(), &models.ExtractionRequest{UsecaseID: id, FileID: file.ID})
	require.ErrorIs(t, err, models.ErrStageCompleted)
}

func TestProcessRequiresConfirmation(t *testing.T) {
	st := store.NewMemory()
	u := models.NewUsecase("uc-unconfirmed", genNow)
	require.NoError(t, st.CreateUsecase(context.Background(), u))
	file := seedExtractionFile(t, st, u.ID, models.StatusNotStarted)
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), &fakeRecognizer{}, baseExtractionConfig())
	require.NoError(t, err)

	_, err = fn.Process(context.Background(), &models.ExtractionRequest{UsecaseID: u.ID, FileID: file.ID})
	require.ErrorIs(t, err, models.ErrStageNotConfirmed)
}

func TestProcessRejectsRunningFile(t *testing.T) {
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	file := seedExtractionFile(t, st, id, models.StatusInProgress)
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), &fakeRecognizer{}, baseExtractionConfig())
	require.NoError(t, err)

	_, err = fn.Process(context.Background(), &models.ExtractionRequest{UsecaseID: id, FileID: file.ID})
	require.ErrorIs(t, err, models.ErrStageInProgress)
}

func TestProcessSkipsCompletedFile(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	require.NoError(t, st.SetStageStatus(ctx, id, models.StageExtraction, models.StatusInProgress))
	file := seedExtractionFile(t, st, id, models.StatusNotStarted)
	require.NoError(t, st.SetFileSummary(ctx, file.ID, models.StatusCompleted, 5, 4, 1))
	rec := &fakeRecognizer{}
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), rec, baseExtractionConfig())
	require.NoError(t, err)

	resp, err := fn.Process(ctx, &models.ExtractionRequest{UsecaseID: id, FileID: file.ID})
	require.NoError(t, err)

	assert.Equal(t, 5, resp.PageCount)
	assert.Equal(t, 4, resp.CompletedPages)
	assert.Equal(t, 1, resp.ErrorPages)
	assert.Zero(t, rec.callCount(), "an already extracted file must not be reprocessed")
	assert.Equal(t, models.StatusCompleted, stageStatus(t, st, id, models.StageExtraction),
		"the skip path still recomputes the aggregate status")
}

func TestProcessFetchFailureFailsFile(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	id := seedExtractionUsecase(t, st)
	file := seedExtractionFile(t, st, id, models.StatusNotStarted)
	fn, err := NewExtractionFunction(st, newFakeBlobStore(), &fakeRecognizer{}, baseExtractionConfig())
	require.NoError(t, err)

	_, err = fn.Process(ctx, &models.ExtractionRequest{UsecaseID: id, FileID: file.ID})
	require.Error(t, err)

	got, err := st.GetSourceFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorDetails, "failed to fetch source document")
	assert.Equal(t, models.StatusFailed, stageStatus(t, st, id, models.StageExtraction),
		"a lone failed file fails the aggregate stage")
}

func TestReconcileExtractionAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []models.Status
		want     models.Status
	}{
		{name: "one completed one failed", statuses: []models.Status{models.StatusCompleted, models.StatusFailed}, want: models.StatusCompleted},
		{name: "all failed", statuses: []models.Status{models.StatusFailed, models.StatusFailed}, want: models.StatusFailed},
		{name: "one still pending", statuses: []models.Status{models.StatusCompleted, models.StatusNotStarted}, want: models.StatusInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemory()
			id := seedExtractionUsecase(t, st)
			require.NoError(t, st.SetStageStatus(ctx, id, models.StageExtraction, models.StatusInProgress))
			for i, status := range tt.statuses {
				file := &models.SourceFile{
					UsecaseID:        id,
					BlobURI:          fmt.Sprintf("gs://uploads/%s/uploads/doc-%d.pdf", id, i),
					OriginalFilename: fmt.Sprintf("doc-%d.pdf", i),
					FileHash:         fmt.Sprintf("hash-%d", i),
					Status:           status,
				}
				require.NoError(t, st.CreateSourceFile(ctx, file))
			}
			fn, err := NewExtractionFunction(st, newFakeBlobStore(), &fakeRecognizer{}, baseExtractionConfig())
			require.NoError(t, err)

			require.NoError(t, fn.reconcileExtraction(ctx, id))
			assert.Equal(t, tt.want, stageStatus(t, st, id, models.StageExtraction))
		})
	}
}
