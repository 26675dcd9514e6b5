package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/testcaseflow/internal/models"
	"github.com/Lllllllleong/testcaseflow/internal/services"
	"github.com/Lllllllleong/testcaseflow/internal/store"
)

var (
	extractorInstance *services.ExtractionFunction
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the HTTP function with the framework.
	// "HandleExtraction" is the entry point name configured in GCP.
	functions.HTTP("HandleExtraction", handleExtraction)
}

// main is required by the Go Functions Framework.
func main() {}

// handleExtraction is the HTTP handler called by the extraction workflow,
// once per uploaded file.
func handleExtraction(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		extractorInstance, initErr = services.NewExtractor(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: extractor initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.ExtractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.UsecaseID == "" || req.FileID == "" {
		http.Error(w, "Bad Request: usecaseId and fileId are required", http.StatusBadRequest)
		return
	}

	res, err := extractorInstance.Process(r.Context(), &req)
	if err != nil {
		// The specific error is already logged inside the Process method.
		http.Error(w, err.Error(), extractionStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

// extractionStatus maps precondition failures to client errors so the
// workflow does not retry them.
func extractionStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStageInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrStageCompleted):
		return http.StatusConflict
	case errors.Is(err, models.ErrStageNotConfirmed):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
