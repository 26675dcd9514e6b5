package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/testcaseflow/internal/gcp"
	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

// Recognizer is the external recognition collaborator. One call covers one
// batch of page units and returns one text per page, in order.
type Recognizer interface {
	Recognize(ctx context.Context, units []models.PageUnit) ([]string, error)
}

// BlobStore moves pipeline blobs between the workers and object storage.
type BlobStore interface {
	Fetch(ctx context.Context, uri, destPath string) error
	Save(ctx context.Context, uri string, r io.Reader) error
}

// ExtractionConfig holds all configuration for the extraction service.
type ExtractionConfig struct {
	// NumWorkers bounds how many batches are in flight at once.
	NumWorkers int
	// BatchSize is the number of pages per recognition call.
	BatchSize int
	// MaxRetries is the number of retries after a failed first attempt.
	// Timeouts are terminal and never retried.
	MaxRetries int
	// RetryBackoff is the flat delay between attempts of one batch.
	RetryBackoff time.Duration
	// RecognizeTimeout bounds one recognition call.
	RecognizeTimeout time.Duration
	// PageUnitBaseURI is where split page units are stored, e.g.
	// "gs://split-pages" or a local directory for the local harness.
	PageUnitBaseURI string
}

// LoadExtractionConfig reads the extraction settings from the environment.
func LoadExtractionConfig() (ExtractionConfig, error) {
	bucket := gcp.GetEnv("PAGE_UNITS_BUCKET", "")
	if bucket == "" {
		return ExtractionConfig{}, fmt.Errorf("PAGE_UNITS_BUCKET environment variable must be set")
	}
	numWorkers, err := strconv.Atoi(gcp.GetEnv("EXTRACTION_NUM_WORKERS", "4"))
	if err != nil {
		return ExtractionConfig{}, fmt.Errorf("invalid EXTRACTION_NUM_WORKERS: %w", err)
	}
	batchSize, err := strconv.Atoi(gcp.GetEnv("EXTRACTION_BATCH_SIZE", "3"))
	if err != nil {
		return ExtractionConfig{}, fmt.Errorf("invalid EXTRACTION_BATCH_SIZE: %w", err)
	}
	maxRetries, err := strconv.Atoi(gcp.GetEnv("EXTRACTION_MAX_RETRIES", "3"))
	if err != nil {
		return ExtractionConfig{}, fmt.Errorf("invalid EXTRACTION_MAX_RETRIES: %w", err)
	}
	backoff, err := strconv.Atoi(gcp.GetEnv("EXTRACTION_RETRY_BACKOFF_SECONDS", "5"))
	if err != nil {
		return ExtractionConfig{}, fmt.Errorf("invalid EXTRACTION_RETRY_BACKOFF_SECONDS: %w", err)
	}
	timeout, err := strconv.Atoi(gcp.GetEnv("RECOGNIZE_TIMEOUT_SECONDS", "120"))
	if err != nil {
		return ExtractionConfig{}, fmt.Errorf("invalid RECOGNIZE_TIMEOUT_SECONDS: %w", err)
	}
	return ExtractionConfig{
		NumWorkers:       numWorkers,
		BatchSize:        batchSize,
		MaxRetries:       maxRetries,
		RetryBackoff:     time.Duration(backoff) * time.Second,
		RecognizeTimeout: time.Duration(timeout) * time.Second,
		PageUnitBaseURI:  "gs://" + bucket,
	}, nil
}

// ExtractionFunction turns one uploaded document into per-page text through
// the batched recognition pass.
type ExtractionFunction struct {
	store      store.Store
	blobs      BlobStore
	recognizer Recognizer
	config     ExtractionConfig
}

// NewExtractor wires the extraction service from the environment for the
// deployed worker.
func NewExtractor(ctx context.Context) (*ExtractionFunction, error) {
	config, err := LoadExtractionConfig()
	if err != nil {
		return nil, err
	}
	projectID := gcp.GetEnv("GCP_PROJECT", "")
	if projectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT environment variable must be set")
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	vertexClient, err := gcp.NewVertexClient(ctx, projectID, gcp.GetEnv("GCP_LOCATION", "us-central1"))
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}
	return NewExtractionFunction(
		store.NewFirestore(fsClient),
		gcp.NewGCSBlobStore(storageClient),
		gcp.NewGeminiRecognizer(vertexClient),
		config,
	)
}

// NewExtractionFunction wires the batch engine and validates its settings.
func NewExtractionFunction(st store.Store, blobs BlobStore, recognizer Recognizer, config ExtractionConfig) (*ExtractionFunction, error) {
	if config.NumWorkers < 1 {
		return nil, fmt.Errorf("NumWorkers must be at least 1, got %d", config.NumWorkers)
	}
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("BatchSize must be at least 1, got %d", config.BatchSize)
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("MaxRetries must not be negative, got %d", config.MaxRetries)
	}
	if config.PageUnitBaseURI == "" {
		return nil, fmt.Errorf("PageUnitBaseURI must be set")
	}
	return &ExtractionFunction{
		store:      st,
		blobs:      blobs,
		recognizer: recognizer,
		config:     config,
	}, nil
}

// Process runs the extraction pass for one source file: fetch, prepare,
// split into page units, recognize in bounded-concurrency batches and write
// the summary. Partial results are durable per page; the file ends Completed
// even when some pages errored, and Failed only when the orchestration
// itself broke.
func (f *ExtractionFunction) Process(ctx context.Context, req *models.ExtractionRequest) (*models.ExtractionResponse, error) {
	logger := slog.With("usecaseId", req.UsecaseID, "fileId", req.FileID, "executionId", req.ExecutionID)
	logger.Info("Starting extraction.")

	u, err := f.store.GetUsecase(ctx, req.UsecaseID)
	if err != nil {
		return nil, err
	}
	stage, _ := u.Stage(models.StageExtraction)
	switch stage.Status {
	case models.StatusCompleted:
		return nil, fmt.Errorf("extraction for usecase %s is %s: %w", req.UsecaseID, stage.Status, models.ErrStageCompleted)
	case models.StatusNotStarted:
		if !stage.Confirmed {
			return nil, fmt.Errorf("extraction for usecase %s: %w", req.UsecaseID, models.ErrStageNotConfirmed)
		}
	}

	file, err := f.store.GetSourceFile(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	if file.UsecaseID != req.UsecaseID {
		return nil, fmt.Errorf("file %s belongs to usecase %s, not %s", file.ID, file.UsecaseID, req.UsecaseID)
	}
	switch file.Status {
	case models.StatusInProgress:
		return nil, fmt.Errorf("extraction of file %s is %s: %w", file.ID, file.Status, models.ErrStageInProgress)
	case models.StatusCompleted:
		logger.Info("File already extracted, skipping.")
		if err := f.reconcileExtraction(ctx, req.UsecaseID); err != nil {
			logger.Error("Failed to update aggregate extraction status.", "error", err)
		}
		return summaryResponse(file), nil
	}

	if stage.Status != models.StatusInProgress {
		if err := f.store.SetStageStatus(ctx, req.UsecaseID, models.StageExtraction, models.StatusInProgress); err != nil {
			return nil, fmt.Errorf("failed to mark extraction stage started: %w", err)
		}
	}
	if err := f.store.SetFileStatus(ctx, file.ID, models.StatusInProgress, ""); err != nil {
		return nil, fmt.Errorf("failed to mark file %s started: %w", file.ID, err)
	}

	resp, procErr := f.processFile(ctx, logger, file)
	if aggErr := f.reconcileExtraction(ctx, req.UsecaseID); aggErr != nil {
		logger.Error("Failed to update aggregate extraction status.", "error", aggErr)
		if procErr == nil {
			procErr = aggErr
		}
	}
	if procErr != nil {
		return nil, procErr
	}
	logger.Info("Extraction complete.",
		"pageCount", resp.PageCount, "completedPages", resp.CompletedPages, "errorPages", resp.ErrorPages)
	return resp, nil
}

func summaryResponse(file *models.SourceFile) *models.ExtractionResponse {
	return &models.ExtractionResponse{
		Status:         "success",
		PageCount:      file.PageCount,
		CompletedPages: file.CompletedPages,
		ErrorPages:     file.ErrorPages,
	}
}

func (f *ExtractionFunction) processFile(ctx context.Context, logger *slog.Logger, file *models.SourceFile) (*models.ExtractionResponse, error) {
	tempDir, err := os.MkdirTemp("", "extraction-*")
	if err != nil {
		return nil, f.handleError(ctx, logger, file.ID, "failed to create temp dir", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source"+strings.ToLower(filepath.Ext(file.OriginalFilename)))
	if err := f.blobs.Fetch(ctx, file.BlobURI, sourcePath); err != nil {
		return nil, f.handleError(ctx, logger, file.ID, "failed to fetch source document", err)
	}

	pdfPath, err := preparePDF(tempDir, sourcePath)
	if err != nil {
		return nil, f.handleError(ctx, logger, file.ID, "failed to prepare document", err)
	}

	pageCount, err := api.PageCountFile(pdfPath)
	if err != nil {
		return nil, f.handleError(ctx, logger, file.ID, "failed to get page count", err)
	}
	if pageCount == 0 {
		return nil, f.handleError(ctx, logger, file.ID, "document has no pages", fmt.Errorf("page count is zero"))
	}
	if err := api.SplitFile(pdfPath, tempDir, 1, nil); err != nil {
		return nil, f.handleError(ctx, logger, file.ID, "failed to split document into pages", err)
	}
	logger.Info("Document prepared and split locally.", "pageCount", pageCount)

	units, err := f.uploadPageUnits(ctx, logger, file, pdfPath, pageCount)
	if err != nil {
		return nil, f.handleError(ctx, logger, file.ID, "failed to upload page units", err)
	}

	completed, errored := f.processBatches(ctx, logger, file.ID, units)

	if err := f.store.SetFileSummary(ctx, file.ID, models.StatusCompleted, pageCount, completed, errored); err != nil {
		return nil, f.handleError(ctx, logger, file.ID, "failed to write extraction summary", err)
	}
	return &models.ExtractionResponse{
		Status:         "success",
		PageCount:      pageCount,
		CompletedPages: completed,
		ErrorPages:     errored,
	}, nil
}

// preparePDF turns the fetched source into an optimized PDF ready for
// splitting. Image uploads are imported into a PDF first.
func preparePDF(tempDir, sourcePath string) (string, error) {
	outPath := filepath.Join(tempDir, "prepared.pdf")
	switch strings.ToLower(filepath.Ext(sourcePath)) {
	case ".pdf":
		if err := optimizePDF(sourcePath, outPath); err != nil {
			return "", fmt.Errorf("failed to optimize PDF: %w", err)
		}
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp":
		if err := api.ImportImagesFile([]string{sourcePath}, outPath, nil, nil); err != nil {
			return "", fmt.Errorf("failed to import image into PDF: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported source format %q", filepath.Ext(sourcePath))
	}
	return outPath, nil
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}

// uploadPageUnits pushes the split single-page PDFs to blob storage and
// returns the ordered unit list addressing them.
func (f *ExtractionFunction) uploadPageUnits(ctx context.Context, logger *slog.Logger, file *models.SourceFile, pdfPath string, pageCount int) ([]models.PageUnit, error) {
	logger.Info("Starting concurrent upload of page units.", "pageCount", pageCount)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)

	splitFileBase := strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath))
	units := make([]models.PageUnit, pageCount)

	for i := 1; i <= pageCount; i++ {
		pageNumber := i
		localPath := fmt.Sprintf("%s_%d.pdf", splitFileBase, pageNumber)
		unitURI := fmt.Sprintf("%s/%s/%05d.pdf", f.config.PageUnitBaseURI, file.ID, pageNumber)
		units[pageNumber-1] = models.PageUnit{PageNumber: pageNumber, URI: unitURI}

		eg.Go(func() error {
			if err := f.uploadPageUnit(gctx, localPath, unitURI); err != nil {
				return fmt.Errorf("page %d: %w", pageNumber, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	logger.Info("All page units uploaded.")
	return units, nil
}

func (f *ExtractionFunction) uploadPageUnit(ctx context.Context, localPath, unitURI string) error {
	const maxRetries = 4
	backoff := 1 * time.Second
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := func() error {
			reader, err := os.Open(localPath)
			if err != nil {
				return fmt.Errorf("could not open local file %s: %w", localPath, err)
			}
			defer reader.Close()

			writeCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
			defer cancel()
			return f.blobs.Save(writeCtx, unitURI, reader)
		}()
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("Page unit upload failed, will retry.",
			"unitUri", unitURI,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", unitURI, lastErr)
}

// processBatches drives the bounded-concurrency recognition pass. Batches
// never cancel each other: one batch's permanent failure is recorded on its
// own pages while the rest keep going.
func (f *ExtractionFunction) processBatches(ctx context.Context, logger *slog.Logger, fileID string, units []models.PageUnit) (completed, errored int) {
	batches := partition(units, f.config.BatchSize)
	logger.Info("Processing recognition batches.", "batchCount", len(batches), "numWorkers", f.config.NumWorkers)

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(f.config.NumWorkers)

	for _, batch := range batches {
		eg.Go(func() error {
			done, failed := f.processBatch(ctx, logger, fileID, batch)
			mu.Lock()
			completed += done
			errored += failed
			mu.Unlock()
			return nil
		})
	}
	// Outcomes are recorded per page; there is nothing to propagate.
	_ = eg.Wait()
	return completed, errored
}

// processBatch runs the attempt loop for one batch and writes one PageResult
// per page. A timeout is terminal for the batch; any other failure retries
// up to MaxRetries times with a flat backoff.
func (f *ExtractionFunction) processBatch(ctx context.Context, logger *slog.Logger, fileID string, batch []models.PageUnit) (completed, errored int) {
	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		texts, err := f.recognizeBatch(ctx, batch)
		if err == nil {
			for i, unit := range batch {
				if werr := f.writePage(ctx, fileID, unit.PageNumber, texts[i], true, ""); werr != nil {
					logger.Error("Failed to write page result.", "page", unit.PageNumber, "error", werr)
					errored++
					continue
				}
				completed++
			}
			return completed, errored
		}

		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Recognition timed out, batch is terminal.", "pages", pageSpan(batch), "error", err)
			return 0, f.writeBatchErrors(ctx, logger, fileID, batch, fmt.Sprintf("recognition timed out: %v", err))
		}

		lastErr = err
		logger.Warn("Recognition failed, will retry.",
			"pages", pageSpan(batch), "attempt", attempt+1, "maxRetries", f.config.MaxRetries, "error", err)
		if attempt < f.config.MaxRetries {
			select {
			case <-time.After(f.config.RetryBackoff):
			case <-ctx.Done():
				return 0, f.writeBatchErrors(ctx, logger, fileID, batch, fmt.Sprintf("extraction aborted: %v", ctx.Err()))
			}
		}
	}
	logger.Error("Recognition failed after all retries.", "pages", pageSpan(batch), "error", lastErr)
	return 0, f.writeBatchErrors(ctx, logger, fileID, batch, fmt.Sprintf("recognition failed after all retries: %v", lastErr))
}

func (f *ExtractionFunction) recognizeBatch(ctx context.Context, batch []models.PageUnit) ([]string, error) {
	callCtx := ctx
	if f.config.RecognizeTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.config.RecognizeTimeout)
		defer cancel()
	}
	texts, err := f.recognizer.Recognize(callCtx, batch)
	if err != nil {
		// A hit per-call deadline must look like a timeout to the caller
		// even when the collaborator wrapped or replaced the context error.
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("recognition timed out after %s: %w", f.config.RecognizeTimeout, context.DeadlineExceeded)
		}
		return nil, err
	}
	if len(texts) != len(batch) {
		return nil, fmt.Errorf("recognizer returned %d texts for %d pages", len(texts), len(batch))
	}
	return texts, nil
}

func (f *ExtractionFunction) writePage(ctx context.Context, fileID string, pageNumber int, text string, completed bool, errorMessage string) error {
	return f.store.UpsertPageResult(ctx, &models.PageResult{
		FileID:       fileID,
		PageNumber:   pageNumber,
		Text:         text,
		Completed:    completed,
		ErrorMessage: errorMessage,
	})
}

// writeBatchErrors marks every page of a permanently failed batch. The pages
// count as errored even when recording one of them fails; only the error
// detail is lost then.
func (f *ExtractionFunction) writeBatchErrors(ctx context.Context, logger *slog.Logger, fileID string, batch []models.PageUnit, message string) int {
	for _, unit := range batch {
		if err := f.writePage(ctx, fileID, unit.PageNumber, "", false, message); err != nil {
			logger.Error("Failed to write page error record.", "page", unit.PageNumber, "error", err)
		}
	}
	return len(batch)
}

// partition slices units into consecutive batches of batchSize; the last
// batch may be shorter.
func partition(units []models.PageUnit, batchSize int) [][]models.PageUnit {
	if batchSize < 1 {
		batchSize = 1
	}
	var batches [][]models.PageUnit
	for start := 0; start < len(units); start += batchSize {
		end := start + batchSize
		if end > len(units) {
			end = len(units)
		}
		batches = append(batches, units[start:end])
	}
	return batches
}

func pageSpan(batch []models.PageUnit) string {
	if len(batch) == 0 {
		return ""
	}
	return fmt.Sprintf("%d-%d", batch[0].PageNumber, batch[len(batch)-1].PageNumber)
}

// handleError records an orchestration failure on the file and returns the
// wrapped error. A failure of the status write itself is logged, never
// returned, so the original error always surfaces.
func (f *ExtractionFunction) handleError(ctx context.Context, logger *slog.Logger, fileID, message string, originalErr error) error {
	logger.Error(message, "error", originalErr)
	if err := f.store.SetFileStatus(ctx, fileID, models.StatusFailed, fmt.Sprintf("%s: %v", message, originalErr)); err != nil {
		logger.Error("CRITICAL: Failed to record FAILED status after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

// reconcileExtraction recomputes the usecase's aggregate extraction status
// from its files. Completed needs every file terminal and at least one of
// them completed; Failed means every file failed; anything else leaves the
// aggregate as is.
func (f *ExtractionFunction) reconcileExtraction(ctx context.Context, usecaseID string) error {
	files, err := f.store.ListSourceFiles(ctx, usecaseID)
	if err != nil {
		return fmt.Errorf("failed to list files for aggregation: %w", err)
	}
	if len(files) == 0 {
		return nil
	}
	anyCompleted := false
	for _, file := range files {
		if !file.Status.Terminal() {
			return nil
		}
		if file.Status == models.StatusCompleted {
			anyCompleted = true
		}
	}
	status := models.StatusFailed
	if anyCompleted {
		status = models.StatusCompleted
	}
	return f.store.SetStageStatus(ctx, usecaseID, models.StageExtraction, status)
}
