package models

// These structs define the JSON payloads for HTTP requests and responses
// between the Cloud Workflow and the worker Cloud Functions.

// ExtractionRequest is the input for the extraction-worker function.
type ExtractionRequest struct {
	UsecaseID   string `json:"usecaseId"`
	FileID      string `json:"fileId"`
	ExecutionID string `json:"executionId"`
}

// ExtractionResponse is the output of the extraction-worker function.
type ExtractionResponse struct {
	Status         string `json:"status"`
	PageCount      int    `json:"pageCount"`
	CompletedPages int    `json:"completedPages"`
	ErrorPages     int    `json:"errorPages"`
}

// StageCommandRequest drives the stage-runner function. Op selects the
// operation: create, status, confirm, start or reset. Stage is required for
// everything except create and status.
type StageCommandRequest struct {
	Op        string `json:"op"`
	UsecaseID string `json:"usecaseId"`
	Stage     Stage  `json:"stage,omitempty"`
}

// StageCommandResponse is the output of the stage-runner function. An
// accepted start means the stage moved to InProgress and generation
// continues in the background. Usecase carries the snapshot for create and
// status operations.
type StageCommandResponse struct {
	Status  string   `json:"status"`
	Stage   Stage    `json:"stage,omitempty"`
	Usecase *Usecase `json:"usecase,omitempty"`
}
