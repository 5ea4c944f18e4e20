package models

// JobStatus is the lifecycle state of a CrawlJob.
type JobStatus string

const (
	JobStatusUnset      JobStatus = ""           // Zero value = unset/unknown
	JobStatusDiscovered JobStatus = "discovered" // Link seen, not yet admitted to the queue
	JobStatusQueued     JobStatus = "queued"     // Waiting for a worker
	JobStatusRunning    JobStatus = "running"    // Being fetched/extracted
	JobStatusDone       JobStatus = "done"       // Processed (persisted or discarded by tier)
	JobStatusFailed     JobStatus = "failed"     // Gave up after retries or terminal error
	JobStatusSkipped    JobStatus = "skipped"    // Classified away (excluded, listing, robots)
)

// String implements fmt.Stringer for logging
func (s JobStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known lifecycle value
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusDiscovered, JobStatusQueued, JobStatusRunning,
		JobStatusDone, JobStatusFailed, JobStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition happens from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusSkipped
}

// CanTransition reports whether the state machine allows from -> to.
// failed -> queued is only legal while retries remain; the caller checks that.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusDiscovered:
		return to == JobStatusQueued || to == JobStatusSkipped
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusSkipped
	case JobStatusRunning:
		return to == JobStatusDone || to == JobStatusFailed || to == JobStatusSkipped || to == JobStatusQueued
	case JobStatusFailed:
		return to == JobStatusQueued
	case JobStatusSkipped, JobStatusDone:
		// Re-admission after a pattern reversal or overview re-discovery.
		return to == JobStatusQueued
	}
	return false
}
