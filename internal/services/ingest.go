package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/testcaseflow/internal/gcp"
	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

// GCSEvent is the payload of a GCS event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// WorkflowLauncher starts the downstream orchestration for one ingested file.
type WorkflowLauncher interface {
	Launch(ctx context.Context, argument any) (string, error)
}

// IngestConfig holds all configuration for the ingest service.
type IngestConfig struct {
	ProjectID  string
	LocationID string
	WorkflowID string
}

// LoadIngestConfig reads the ingest settings from the environment.
func LoadIngestConfig() (IngestConfig, error) {
	projectID := gcp.GetEnv("GCP_PROJECT", "")
	if projectID == "" {
		return IngestConfig{}, fmt.Errorf("GCP_PROJECT environment variable must be set")
	}
	return IngestConfig{
		ProjectID:  projectID,
		LocationID: gcp.GetEnv("GCP_LOCATION", "us-central1"),
		WorkflowID: gcp.GetEnv("EXTRACTION_WORKFLOW", "extraction-workflow"),
	}, nil
}

// IngestFunction registers uploaded source documents. It deduplicates by
// content hash, records the file and launches the extraction workflow.
type IngestFunction struct {
	store    store.Store
	blobs    BlobStore
	launcher WorkflowLauncher
	config   IngestConfig
}

// NewIngestor wires the ingest service from the environment for the
// deployed function.
func NewIngestor(ctx context.Context) (*IngestFunction, error) {
	config, err := LoadIngestConfig()
	if err != nil {
		return nil, err
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	launcher, err := gcp.NewWorkflowsLauncher(ctx, config.ProjectID, config.LocationID, config.WorkflowID)
	if err != nil {
		return nil, err
	}
	return NewIngestFunction(
		store.NewFirestore(fsClient),
		gcp.NewGCSBlobStore(storageClient),
		launcher,
		config,
	), nil
}

// NewIngestFunction wires the ingest service.
func NewIngestFunction(st store.Store, blobs BlobStore, launcher WorkflowLauncher, config IngestConfig) *IngestFunction {
	return &IngestFunction{
		store:    st,
		blobs:    blobs,
		launcher: launcher,
		config:   config,
	}
}

// Process handles one upload event. Objects outside the
// {usecaseID}/uploads/{filename} layout are ignored, as are uploads whose
// content hash already exists for the usecase.
func (f *IngestFunction) Process(ctx context.Context, e GCSEvent) error {
	logger := slog.With("bucket", e.Bucket, "object", e.Name)

	usecaseID, filename, ok := parseUploadPath(e.Name)
	if !ok {
		logger.Warn("Object is not an upload, ignoring event.")
		return nil
	}
	logger = logger.With("usecaseId", usecaseID, "filename", filename)
	logger.Info("Processing upload.")

	if _, err := f.store.GetUsecase(ctx, usecaseID); err != nil {
		return fmt.Errorf("upload for unknown usecase %s: %w", usecaseID, err)
	}

	blobURI := fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name)
	hash, err := f.hashObject(ctx, blobURI, filename)
	if err != nil {
		return fmt.Errorf("failed to hash upload: %w", err)
	}

	existing, err := f.store.FindFileByHash(ctx, usecaseID, hash)
	if err != nil {
		return fmt.Errorf("failed to check for duplicates: %w", err)
	}
	if existing != nil {
		logger.Info("Duplicate file detected, skipping.", "fileHash", hash, "existingFileId", existing.ID)
		return nil
	}

	file := &models.SourceFile{
		UsecaseID:        usecaseID,
		BlobURI:          blobURI,
		OriginalFilename: filename,
		FileHash:         hash,
		Status:           models.StatusNotStarted,
	}
	if err := f.store.CreateSourceFile(ctx, file); err != nil {
		return fmt.Errorf("failed to record source file: %w", err)
	}
	logger = logger.With("fileId", file.ID)
	logger.Info("Source file recorded.")

	executionName, err := f.launcher.Launch(ctx, map[string]string{
		"usecaseId": usecaseID,
		"fileId":    file.ID,
	})
	if err != nil {
		logger.Error("Failed to launch extraction workflow.", "error", err)
		if serr := f.store.SetFileStatus(ctx, file.ID, models.StatusFailed, fmt.Sprintf("failed to launch extraction workflow: %v", err)); serr != nil {
			logger.Error("CRITICAL: Failed to record FAILED status after a launch error.", "updateError", serr)
		}
		return fmt.Errorf("failed to launch extraction workflow: %w", err)
	}
	logger.Info("Extraction workflow launched.", "executionName", executionName)
	return nil
}

// parseUploadPath splits an object name of the form
// {usecaseID}/uploads/{filename}.
func parseUploadPath(name string) (usecaseID, filename string, ok bool) {
	parts := strings.SplitN(name, "/", 3)
	if len(parts) != 3 || parts[1] != "uploads" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

func (f *IngestFunction) hashObject(ctx context.Context, blobURI, filename string) (string, error) {
	tempDir, err := os.MkdirTemp("", "ingest-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	localPath := filepath.Join(tempDir, filepath.Base(filename))
	if err := f.blobs.Fetch(ctx, blobURI, localPath); err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", blobURI, err)
	}
	return hashFile(localPath)
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("could not hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
