package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/config"
)

// TaskState contains the last run information for a scheduled task
type TaskState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	// Items is task specific: pages persisted by a cycle, patterns removed by a recheck.
	Items        int64  `json:"items"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// WatchState contains the persistent state for the watch scheduler
type WatchState struct {
	Tasks     map[string]TaskState `json:"tasks"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// StateManager handles persisting and loading watch state
type StateManager struct {
	statePath string
	state     WatchState
	mu        sync.RWMutex
	now       func() time.Time
}

// StatePath resolves watch.state_file against state_dir unless it is absolute.
func StatePath(cfg *config.AppConfig) string {
	if filepath.IsAbs(cfg.Watch.StateFile) {
		return cfg.Watch.StateFile
	}
	return filepath.Join(cfg.StateDir, cfg.Watch.StateFile)
}

// NewStateManager creates a state manager backed by the JSON file at statePath
func NewStateManager(statePath string) *StateManager {
	return &StateManager{
		statePath: statePath,
		state:     WatchState{Tasks: make(map[string]TaskState)},
		now:       time.Now,
	}
}

// Load loads the state from disk
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = WatchState{Tasks: make(map[string]TaskState)}
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if m.state.Tasks == nil {
		m.state.Tasks = make(map[string]TaskState)
	}
	return nil
}

// Save writes the state to disk through a temp file and rename.
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = m.now()
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// GetTaskState returns the state for a task
func (m *StateManager) GetTaskState(name string) (TaskState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Tasks[name]
	return state, ok
}

// UpdateTaskState records the outcome of a task run
func (m *StateManager) UpdateTaskState(name string, success bool, items int64, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Tasks[name] = TaskState{
		LastRunTime:    m.now(),
		LastRunSuccess: success,
		Items:          items,
		ErrorMessage:   errorMsg,
	}
}

// ShouldRun reports whether interval has passed since the task last ran
func (m *StateManager) ShouldRun(name string, interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Tasks[name]
	if !ok {
		return true
	}
	return m.now().Sub(state.LastRunTime) >= interval
}

// GetNextRunTime returns when the task should next run
func (m *StateManager) GetNextRunTime(name string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Tasks[name]
	if !ok {
		return m.now()
	}
	return state.LastRunTime.Add(interval)
}

// GetAllTaskStates returns a copy of all task states
func (m *StateManager) GetAllTaskStates() map[string]TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TaskState, len(m.state.Tasks))
	for k, v := range m.state.Tasks {
		out[k] = v
	}
	return out
}
