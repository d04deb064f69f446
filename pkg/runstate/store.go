// Package runstate persists the loop's bookkeeping record between runs.
// The file is owned exclusively by the controller and rewritten whole on
// every update.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunState is the small persisted record updated once per iteration.
type RunState struct {
	CreatedAt       time.Time  `json:"created_at"`
	Runs            int        `json:"runs"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	LastIterationAt *time.Time `json:"last_iteration_at,omitempty"`
	LastStory       string     `json:"last_story,omitempty"`
}

// Store manages the run-state file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// LoadOrCreate returns the persisted state, creating a fresh record (and the
// parent directory) on first run.
func (s *Store) LoadOrCreate() (*RunState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read run state: %w", err)
		}
		state := &RunState{CreatedAt: time.Now().UTC()}
		if err := s.Save(state); err != nil {
			return nil, err
		}
		return state, nil
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode run state: %w", err)
	}
	return &state, nil
}

// Save rewrites the whole record.
func (s *Store) Save(state *RunState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create run state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return nil
}

// RecordIteration bumps the run counter and stamps the story just processed.
func (state *RunState) RecordIteration(storyID string) {
	now := time.Now().UTC()
	state.Runs++
	state.LastIterationAt = &now
	state.LastStory = storyID
}

// RecordCompletion bumps the run counter and stamps the successful finish.
func (state *RunState) RecordCompletion() {
	now := time.Now().UTC()
	state.Runs++
	state.LastCompletedAt = &now
}
