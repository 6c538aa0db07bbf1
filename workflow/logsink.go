// ABOUTME: LogSink is the storage contract for a run's event stream: append, query, tail, prune.
// ABOUTME: FSLogSink backs it with FSRunStateStore/FSEventQuery plus a small JSON run index.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// LogSink is a structured, queryable event log keyed by run ID.
type LogSink interface {
	Append(runID string, event EngineEvent) error
	// Query returns the page of events matching filter and the total number
	// of matches before pagination, so callers can page without a second round trip.
	Query(runID string, filter EventFilter) ([]EngineEvent, int, error)
	Tail(runID string, n int) ([]EngineEvent, error)
	Summarize(runID string) (*EventSummary, error)
	// Prune removes every run older than olderThan and reports how many were removed.
	Prune(olderThan time.Duration) (int, error)
	Close() error
}

// RunIndexEntry is the per-run summary kept in the sink's index for cheap listing.
type RunIndexEntry struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	EventCount int       `json:"event_count"`
}

// RunIndex is the on-disk shape of index.json.
type RunIndex struct {
	Runs    map[string]RunIndexEntry `json:"runs"`
	Updated time.Time                `json:"updated"`
}

// RetentionConfig bounds how much run history a sink keeps.
type RetentionConfig struct {
	MaxAge  time.Duration // 0 disables age-based pruning
	MaxRuns int           // 0 disables count-based pruning
}

// PruneLoop prunes by MaxAge once immediately, then again on every tick of
// interval, until ctx is cancelled. Intended to run in its own goroutine.
func (rc RetentionConfig) PruneLoop(ctx context.Context, sink LogSink, interval time.Duration) {
	prune := func() {
		if rc.MaxAge > 0 {
			_, _ = sink.Prune(rc.MaxAge)
		}
	}
	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// PruneByMaxRuns deletes the oldest runs in excess of rc.MaxRuns, oldest
// first by start time, and reports how many were deleted.
func (rc RetentionConfig) PruneByMaxRuns(sink LogSink) (int, error) {
	fsSink, ok := sink.(*FSLogSink)
	if !ok {
		return 0, fmt.Errorf("PruneByMaxRuns requires an *FSLogSink")
	}
	if rc.MaxRuns <= 0 {
		return 0, nil
	}

	index, err := fsSink.loadIndex()
	if err != nil {
		return 0, fmt.Errorf("load index: %w", err)
	}
	if len(index.Runs) <= rc.MaxRuns {
		return 0, nil
	}

	entries := sortedRunEntries(index.Runs)
	excess := entries[:len(entries)-rc.MaxRuns]

	pruned := 0
	for _, entry := range excess {
		if err := fsSink.deleteRun(entry.ID); err == nil {
			pruned++
		}
	}
	return pruned, nil
}

// sortedRunEntries flattens a run map into a slice ordered oldest-start-time-first.
func sortedRunEntries(runs map[string]RunIndexEntry) []RunIndexEntry {
	entries := make([]RunIndexEntry, 0, len(runs))
	for _, entry := range runs {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
	return entries
}

// FSLogSink persists events through an FSRunStateStore and answers queries
// through an FSEventQuery over the same store, with a JSON index.json
// alongside for fast run enumeration without walking the run directories.
type FSLogSink struct {
	store   *FSRunStateStore
	query   *FSEventQuery
	baseDir string
	mu      sync.Mutex
	closed  bool
}

var _ LogSink = (*FSLogSink)(nil)

// NewFSLogSink opens (creating if necessary) a filesystem log sink rooted at baseDir.
func NewFSLogSink(baseDir string) (*FSLogSink, error) {
	store, err := NewFSRunStateStore(baseDir)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	sink := &FSLogSink{
		store:   store,
		query:   NewFSEventQuery(store),
		baseDir: baseDir,
	}
	if err := sink.ensureIndex(); err != nil {
		return nil, fmt.Errorf("ensure index: %w", err)
	}
	return sink, nil
}

// Append records event under runID and refreshes that run's index entry.
func (s *FSLogSink) Append(runID string, event EngineEvent) error {
	if err := s.store.AddEvent(runID, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := s.updateIndexEntry(runID); err != nil {
		return fmt.Errorf("update index: %w", err)
	}
	return nil
}

// Query implements LogSink.Query by counting the unpaginated filter, then
// fetching the paginated page described by filter.Limit/Offset.
func (s *FSLogSink) Query(runID string, filter EventFilter) ([]EngineEvent, int, error) {
	unpaginated := filter
	unpaginated.Limit = 0
	unpaginated.Offset = 0

	total, err := s.query.CountEvents(runID, unpaginated)
	if err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	events, err := s.query.QueryEvents(runID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	return events, total, nil
}

// Tail returns up to the last n events logged for runID.
func (s *FSLogSink) Tail(runID string, n int) ([]EngineEvent, error) {
	return s.query.TailEvents(runID, n)
}

// Summarize reports aggregate counts/timings for runID's event log.
func (s *FSLogSink) Summarize(runID string) (*EventSummary, error) {
	return s.query.SummarizeEvents(runID)
}

// Prune removes every run whose start time is older than olderThan, deleting
// both its directory and its index entry, and returns the number removed.
func (s *FSLogSink) Prune(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndexUnlocked()
	if err != nil {
		return 0, fmt.Errorf("load index: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	pruned := 0
	for runID, entry := range index.Runs {
		if !entry.StartTime.Before(cutoff) {
			continue
		}
		if err := s.deleteRunUnlocked(runID); err != nil {
			continue
		}
		delete(index.Runs, runID)
		pruned++
	}

	if pruned > 0 {
		index.Updated = time.Now()
		if err := s.saveIndexUnlocked(index); err != nil {
			return pruned, fmt.Errorf("save index after prune: %w", err)
		}
	}
	return pruned, nil
}

// Close marks the sink closed. Safe to call more than once.
func (s *FSLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ListRuns returns every indexed run, oldest start time first.
func (s *FSLogSink) ListRuns() ([]RunIndexEntry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return sortedRunEntries(index.Runs), nil
}

func (s *FSLogSink) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *FSLogSink) ensureIndex() error {
	if _, err := os.Stat(s.indexPath()); err == nil {
		return nil
	}
	return s.saveIndex(&RunIndex{Runs: make(map[string]RunIndexEntry), Updated: time.Now()})
}

// loadIndex acquires the lock and reads index.json.
func (s *FSLogSink) loadIndex() (*RunIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndexUnlocked()
}

// loadIndexUnlocked reads index.json; caller holds s.mu.
func (s *FSLogSink) loadIndexUnlocked() (*RunIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &RunIndex{Runs: make(map[string]RunIndexEntry)}, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	var index RunIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if index.Runs == nil {
		index.Runs = make(map[string]RunIndexEntry)
	}
	return &index, nil
}

// saveIndex acquires the lock and writes index.json atomically.
func (s *FSLogSink) saveIndex(index *RunIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexUnlocked(index)
}

// saveIndexUnlocked writes index.json atomically; caller holds s.mu.
func (s *FSLogSink) saveIndexUnlocked(index *RunIndex) error {
	return writeJSONAtomic(s.indexPath(), index)
}

// updateIndexEntry recomputes runID's index entry from its current run state.
func (s *FSLogSink) updateIndexEntry(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndexUnlocked()
	if err != nil {
		return err
	}

	state, err := s.store.Get(runID)
	if err != nil {
		return fmt.Errorf("get run state: %w", err)
	}

	index.Runs[runID] = RunIndexEntry{
		ID:         runID,
		Status:     state.Status,
		StartTime:  state.StartedAt,
		EventCount: len(state.Events),
	}
	index.Updated = time.Now()
	return s.saveIndexUnlocked(index)
}

// deleteRun acquires the lock and removes runID's directory.
func (s *FSLogSink) deleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRunUnlocked(runID)
}

// deleteRunUnlocked removes runID's directory; caller holds s.mu.
func (s *FSLogSink) deleteRunUnlocked(runID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, runID))
}
