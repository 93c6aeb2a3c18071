package hermes

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// SubjectRunCompleted carries a RunCompleted after every run, including
	// interrupted ones.
	SubjectRunCompleted = "sift.run.completed"
	// SubjectMessageRejected carries one MessageRejected per message that
	// produced no row.
	SubjectMessageRejected = "sift.message.rejected"
	// SubjectRunRequested is consumed by the server to start runs.
	SubjectRunRequested = "sift.run.requested"
)

type RunCompleted struct {
	RunID        string    `json:"run_id"`
	Name         string    `json:"name"`
	Table        string    `json:"table,omitempty"`
	Processed    int       `json:"processed"`
	Extracted    int       `json:"extracted"`
	Rejected     int       `json:"rejected"`
	Failed       int       `json:"failed"`
	Degraded     int       `json:"degraded"`
	Inserted     int       `json:"inserted"`
	Updated      int       `json:"updated"`
	LoadRejected int       `json:"load_rejected"`
	Interrupted  bool      `json:"interrupted"`
	DryRun       bool      `json:"dry_run"`
	FinishedAt   time.Time `json:"finished_at"`
}

type MessageRejected struct {
	RunID     string `json:"run_id"`
	Index     int    `json:"index"`
	NaturalID string `json:"natural_id"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
}

// RunRequest asks a server to process a transcript file already on disk.
type RunRequest struct {
	Name           string `json:"name"`
	TranscriptPath string `json:"transcript_path"`
	DryRun         bool   `json:"dry_run,omitempty"`
}

// ParseRunRequest decodes and validates a run request payload.
func ParseRunRequest(data []byte) (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse run request: %w", err)
	}
	if req.TranscriptPath == "" {
		return nil, fmt.Errorf("run request: transcript_path is required")
	}
	return &req, nil
}
