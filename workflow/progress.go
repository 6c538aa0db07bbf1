// ABOUTME: Append-only NDJSON event logger for run observability, paired with a live.json status snapshot.
// ABOUTME: HandleEvent matches EngineConfig.EventHandler's signature so a ProgressLogger wires in directly.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressEntry is one line of the NDJSON event log.
type ProgressEntry struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	NodeID    string         `json:"node_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// LiveState is the live.json snapshot external tools can poll for run status.
type LiveState struct {
	Status     string   `json:"status"`
	ActiveNode string   `json:"active_node"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
	StartedAt  string   `json:"started_at"`
	UpdatedAt  string   `json:"updated_at"`
	EventCount int      `json:"event_count"`
}

// ProgressLogger streams engine events to progress.ndjson and keeps live.json
// in sync with a running summary of the same events.
type ProgressLogger struct {
	dir         string
	file        *os.File
	state       LiveState
	mu          sync.Mutex
	closed      bool
	WriteErrors int // count of failed NDJSON/live.json writes, for diagnostics
}

// NewProgressLogger opens progress.ndjson for appending under dir and seeds
// live.json with a "pending" snapshot.
func NewProgressLogger(dir string) (*ProgressLogger, error) {
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	pl := &ProgressLogger{
		dir:  dir,
		file: f,
		state: LiveState{
			Status:    "pending",
			Completed: []string{},
			Failed:    []string{},
		},
	}
	if err := pl.writeLiveJSON(); err != nil {
		f.Close()
		return nil, err
	}
	return pl, nil
}

// timeRFC3339 formats t in UTC RFC3339, the layout used throughout the NDJSON/live.json files.
func timeRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// EventAgentTextDelta marks one streamed fragment of agent output text.
const EventAgentTextDelta EngineEventType = "agent.text.delta"

// HandleEvent appends evt to the NDJSON log and folds it into the live
// snapshot, then rewrites live.json. Both steps are best-effort: a write
// failure is logged to stderr and counted, never returned, so a broken disk
// can't unwind the run that's being observed. EventAgentTextDelta events are
// high-frequency and ephemeral; they are neither written nor counted.
func (p *ProgressLogger) HandleEvent(evt EngineEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || evt.Type == EventAgentTextDelta {
		return
	}

	p.appendEntry(evt)
	p.foldIntoState(evt)

	p.state.EventCount++
	p.state.UpdatedAt = timeRFC3339(time.Now())
	if err := p.writeLiveJSON(); err != nil {
		fmt.Fprintf(os.Stderr, "[progress] live.json write error: %v\n", err)
	}
}

// appendEntry writes evt as one NDJSON line; caller holds p.mu.
func (p *ProgressLogger) appendEntry(evt EngineEvent) {
	entry := ProgressEntry{
		Timestamp: timeRFC3339(evt.Timestamp),
		Type:      string(evt.Type),
		NodeID:    evt.NodeID,
		Data:      evt.Data,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] marshal error: %v\n", err)
		return
	}
	if _, err := p.file.Write(append(line, '\n')); err != nil {
		p.WriteErrors++
		fmt.Fprintf(os.Stderr, "[progress] write error: %v\n", err)
	}
}

// foldIntoState updates the live snapshot for one event; caller holds p.mu.
func (p *ProgressLogger) foldIntoState(evt EngineEvent) {
	switch evt.Type {
	case EventPipelineStarted:
		p.state.Status = "running"
		p.state.StartedAt = timeRFC3339(evt.Timestamp)
	case EventNodeStarted:
		p.state.ActiveNode = evt.NodeID
	case EventNodeCompleted:
		p.state.Completed = append(p.state.Completed, evt.NodeID)
		p.state.ActiveNode = ""
	case EventNodeFailed:
		p.state.Failed = append(p.state.Failed, evt.NodeID)
		p.state.ActiveNode = ""
	case EventPipelineCompleted:
		p.state.Status = "completed"
	case EventPipelineFailed:
		p.state.Status = "failed"
	}
}

// Close stops accepting further events and closes the NDJSON file. Safe to
// call once; subsequent HandleEvent calls become no-ops.
func (p *ProgressLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.file.Close()
}

// State returns a snapshot of the live state, deep-copied so the caller
// can't mutate the logger's internal slices.
func (p *ProgressLogger) State() LiveState {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := p.state
	cp.Completed = append([]string(nil), p.state.Completed...)
	cp.Failed = append([]string(nil), p.state.Failed...)
	return cp
}

// writeLiveJSON atomically rewrites live.json; caller holds p.mu.
func (p *ProgressLogger) writeLiveJSON() error {
	return writeJSONAtomic(filepath.Join(p.dir, "live.json"), p.state)
}
