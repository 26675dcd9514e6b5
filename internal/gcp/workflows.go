package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// WorkflowsLauncher starts executions of one named Cloud Workflow.
type WorkflowsLauncher struct {
	client *executions.Client
	parent string
}

// NewWorkflowsLauncher creates a launcher bound to a single workflow.
func NewWorkflowsLauncher(ctx context.Context, projectID, location, workflowID string) (*WorkflowsLauncher, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow executions client: %w", err)
	}
	return &WorkflowsLauncher{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}, nil
}

// Launch starts one execution with the given JSON-serializable argument and
// returns the execution's resource name.
func (l *WorkflowsLauncher) Launch(ctx context.Context, argument any) (string, error) {
	argJSON, err := json.Marshal(argument)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow argument: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: l.parent,
		Execution: &executionspb.Execution{
			Argument: string(argJSON),
		},
	}
	resp, err := l.client.CreateExecution(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to create workflow execution: %w", err)
	}
	return resp.GetName(), nil
}

// Close releases the underlying client.
func (l *WorkflowsLauncher) Close() error {
	return l.client.Close()
}
