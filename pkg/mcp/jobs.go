package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a background job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobKind names the operation a job runs. At most one job per kind runs at a time.
type JobKind string

const (
	JobKindCycle   JobKind = "cycle"
	JobKindRecheck JobKind = "recheck"
)

// Job represents a background cycle or recheck
type Job struct {
	ID           string    `json:"id"`
	Kind         JobKind   `json:"kind"`
	Status       JobStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	HostsDone    int64     `json:"hosts_done"`
	HostsTotal   int64     `json:"hosts_total"`
	Items        int64     `json:"items"`
	ErrorMessage string    `json:"error_message,omitempty"`

	ctx    context.Context
	cancel context.CancelFunc
}

func (j *Job) active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// JobManager manages background jobs
type JobManager struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	byKind map[JobKind]string // kind -> jobID of the active job
}

// NewJobManager creates a new job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		byKind: make(map[JobKind]string),
	}
}

// CreateJob creates a pending job of kind, or returns the active one with
// created=false.
func (m *JobManager) CreateJob(kind JobKind) (job *Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, exists := m.byKind[kind]; exists {
		if existing := m.jobs[existingID]; existing != nil && existing.active() {
			return existing.snapshot(), false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.jobs[j.ID] = j
	m.byKind[kind] = j.ID
	return j.snapshot(), true
}

// snapshot copies the job so callers never race with updates.
func (j *Job) snapshot() *Job {
	c := *j
	return &c
}

// GetJob returns a snapshot of a job, or nil
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		return job.snapshot()
	}
	return nil
}

// ActiveJob returns the pending or running job of kind, or nil
func (m *JobManager) ActiveJob(kind JobKind) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.byKind[kind]; exists {
		if job := m.jobs[jobID]; job != nil && job.active() {
			return job.snapshot()
		}
	}
	return nil
}

// IsRunning checks if a job of kind is pending or running
func (m *JobManager) IsRunning(kind JobKind) bool {
	return m.ActiveJob(kind) != nil
}

// UpdateStatus updates the status of a job. A cancelled job stays cancelled.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || job.Status == JobStatusCancelled {
		return
	}
	job.Status = status
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		job.CompletedAt = time.Now()
		job.cancel()
		delete(m.byKind, job.Kind)
	}
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
}

// UpdateProgress updates the host counters of a job
func (m *JobManager) UpdateProgress(jobID string, hostsDone, hostsTotal int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists {
		job.HostsDone = hostsDone
		job.HostsTotal = hostsTotal
	}
}

// SetItems records the job's result count (pages persisted or patterns removed)
func (m *JobManager) SetItems(jobID string, items int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists {
		job.Items = items
	}
}

// CancelJob cancels an active job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists && job.active() {
		job.cancel()
		job.Status = JobStatusCancelled
		job.CompletedAt = time.Now()
		delete(m.byKind, job.Kind)
		return true
	}
	return false
}

// CancelAll cancels all active jobs
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.active() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = time.Now()
		}
	}
	m.byKind = make(map[JobKind]string)
}

// ListJobs returns snapshots of all jobs
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.snapshot())
	}
	return jobs
}

// GetContext returns the context a job runs under
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job, exists := m.jobs[jobID]; exists {
		return job.ctx
	}
	return context.Background()
}
