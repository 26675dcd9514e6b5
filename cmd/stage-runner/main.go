package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	runnerInstance *services.StageRunner
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the HTTP function with the framework.
	// "HandleStageCommand" is the entry point name configured in GCP.
	functions.HTTP("HandleStageCommand", handleStageCommand)
}

// main is required by the Go Functions Framework.
func main() {}

// handleStageCommand is the HTTP handler for the usecase management API.
func handleStageCommand(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		runnerInstance, initErr = services.NewStageRunner(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: stage runner initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.StageCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := runCommand(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), commandStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

var errUnknownOp = errors.New("unknown op")

func runCommand(ctx context.Context, req *models.StageCommandRequest) (*models.StageCommandResponse, error) {
	switch req.Op {
	case "create":
		u, err := runnerInstance.Create(ctx, req.UsecaseID)
		if err != nil {
			return nil, err
		}
		return &models.StageCommandResponse{Status: "created", Usecase: u}, nil
	case "status":
		u, err := runnerInstance.Get(ctx, req.UsecaseID)
		if err != nil {
			return nil, err
		}
		return &models.StageCommandResponse{Status: "ok", Usecase: u}, nil
	case "confirm":
		if err := runnerInstance.Confirm(ctx, req.UsecaseID, req.Stage); err != nil {
			return nil, err
		}
		return &models.StageCommandResponse{Status: "confirmed", Stage: req.Stage}, nil
	case "start":
		if err := runnerInstance.Start(ctx, req.UsecaseID, req.Stage); err != nil {
			return nil, err
		}
		return &models.StageCommandResponse{Status: "started", Stage: req.Stage}, nil
	case "reset":
		if err := runnerInstance.Reset(ctx, req.UsecaseID, req.Stage); err != nil {
			return nil, err
		}
		return &models.StageCommandResponse{Status: "reset", Stage: req.Stage}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownOp, req.Op)
	}
}

// commandStatus maps the service's precondition failures to HTTP statuses.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, errUnknownOp), errors.Is(err, models.ErrUnknownStage):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStageInProgress), errors.Is(err, models.ErrStageCompleted), errors.Is(err, models.ErrStageNotTerminal):
		return http.StatusConflict
	case errors.Is(err, models.ErrPredecessorIncomplete), errors.Is(err, models.ErrStageNotConfirmed):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}
