// ABOUTME: Defines RunState types and the RunStateStore interface for tracking pipeline run lifecycle.
// ABOUTME: Provides ULID-based run ID generation and the core data model for persistent run tracking.
package workflow

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunState represents the full state of a single pipeline run.
type RunState struct {
	ID             string         `json:"id"`
	PipelineFile   string         `json:"pipeline_file"`
	Status         string         `json:"status"` // "running", "completed", "failed", "cancelled"
	Source         string         `json:"source,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CurrentNode    string         `json:"current_node"`
	CompletedNodes []string       `json:"completed_nodes"`
	Context        map[string]any `json:"context"`
	Events         []EngineEvent  `json:"events"`
	Error          string         `json:"error,omitempty"`
	SourceHash     string         `json:"source_hash,omitempty"`
}

// RunStateStore is the interface for persisting and retrieving pipeline run state.
type RunStateStore interface {
	Create(state *RunState) error
	Get(id string) (*RunState, error)
	Update(state *RunState) error
	List() ([]*RunState, error)
	AddEvent(id string, event EngineEvent) error
}

// GenerateRunID produces a lexically sortable ULID string using crypto/rand entropy,
// so run IDs generated close together also sort close together on disk.
func GenerateRunID() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
