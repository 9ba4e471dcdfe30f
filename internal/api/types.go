package api

// CreateRunRequest starts a run. SinceRef picks the change reference for
// affected-test selection; empty runs the full suite.
type CreateRunRequest struct {
	SinceRef string `json:"since_ref,omitempty"`
}

type CreateRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type RunResponse struct {
	ID          string               `json:"id"`
	Status      string               `json:"status"`
	CreatedAt   string               `json:"created_at"`
	UpdatedAt   string               `json:"updated_at"`
	Checkpoints []CheckpointResponse `json:"checkpoints"`
}

type CheckpointResponse struct {
	ID          string             `json:"id"`
	TestID      string             `json:"test_id"`
	Status      string             `json:"status"`
	Attempt     int                `json:"attempt"`
	SkipReason  string             `json:"skip_reason,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	StartedAt   string             `json:"started_at,omitempty"`
	CompletedAt string             `json:"completed_at,omitempty"`
	Artifacts   []ArtifactResponse `json:"artifacts,omitempty"`
}

type ArtifactResponse struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
