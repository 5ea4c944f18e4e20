package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/models"
	"github.com/Krausi96/plan2fund-nextgen-sub000/pkg/orchestrate"
)

// Task names used in the state file.
const (
	TaskDiscoveryCycle   = "discovery_cycle"
	TaskBlacklistRecheck = "blacklist_recheck"
)

// CycleRunner runs one discovery cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*orchestrate.CycleResult, error)
}

// BlacklistRechecker re-validates exclusion patterns.
type BlacklistRechecker interface {
	Recheck(ctx context.Context, maxSamples int) ([]models.URLPattern, error)
}

// Task is a unit of periodic work. Run returns a task specific item count.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// CycleTask schedules discovery cycles; the item count is pages persisted.
func CycleTask(r CycleRunner, interval time.Duration) Task {
	return Task{
		Name:     TaskDiscoveryCycle,
		Interval: interval,
		Run: func(ctx context.Context) (int64, error) {
			result, err := r.RunCycle(ctx)
			if result == nil || result.Summary == nil {
				return 0, err
			}
			return int64(result.Summary.Persisted), err
		},
	}
}

// RecheckTask schedules blacklist rechecks; the item count is patterns removed.
func RecheckTask(r BlacklistRechecker, interval time.Duration, maxSamples int) Task {
	return Task{
		Name:     TaskBlacklistRecheck,
		Interval: interval,
		Run: func(ctx context.Context) (int64, error) {
			removed, err := r.Recheck(ctx, maxSamples)
			return int64(len(removed)), err
		},
	}
}

// Scheduler runs tasks whenever their interval has elapsed since the last
// recorded run. Due tasks run one after another on a single worker so a
// cycle and a recheck never touch the store at the same time.
type Scheduler struct {
	tasks        []Task
	checkEvery   time.Duration
	log          *logrus.Entry
	stateManager *StateManager

	mu   sync.Mutex
	busy bool
	wg   sync.WaitGroup
}

// NewScheduler creates a new watch scheduler. checkEvery <= 0 derives the
// tick from the shortest task interval.
func NewScheduler(tasks []Task, stateManager *StateManager, checkEvery time.Duration, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		tasks:        tasks,
		checkEvery:   checkEvery,
		log:          log.WithField("component", "watch"),
		stateManager: stateManager,
	}
}

// Run starts the scheduler and blocks until ctx is cancelled and the
// running batch has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return fmt.Errorf("watch scheduler has no tasks")
	}
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode with %d tasks", len(s.tasks))
	s.logSchedule()

	s.runDue(ctx)

	ticker := time.NewTicker(s.calculateTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue starts a batch with every due task unless one is still running.
func (s *Scheduler) runDue(ctx context.Context) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return
	}
	due := s.getDueTasks()
	if len(due) == 0 {
		s.mu.Unlock()
		s.logNextRun()
		return
	}
	s.busy = true
	s.mu.Unlock()

	names := make([]string, len(due))
	for i, t := range due {
		names[i] = t.Name
	}
	s.log.Infof("Running %d due tasks: %v", len(due), names)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}()

		for _, t := range due {
			if ctx.Err() != nil {
				break
			}
			s.runTask(ctx, t)
		}
		s.logNextRun()
	}()
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	taskLog := s.log.WithField("task", t.Name)
	start := time.Now()
	items, err := t.Run(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Interrupted runs are not recorded so the task is due again on restart.
		taskLog.Warnf("Task interrupted after %v", time.Since(start).Round(time.Second))
		return
	}

	errorMsg := ""
	if err != nil {
		errorMsg = err.Error()
		taskLog.Errorf("Task failed after %v: %v", time.Since(start).Round(time.Second), err)
	} else {
		taskLog.Infof("Task finished in %v (%d items)", time.Since(start).Round(time.Second), items)
	}
	s.stateManager.UpdateTaskState(t.Name, err == nil, items, errorMsg)
	if err := s.stateManager.Save(); err != nil {
		taskLog.Errorf("Failed to save watch state: %v", err)
	}
}

// getDueTasks returns tasks that are due for a run
func (s *Scheduler) getDueTasks() []Task {
	var due []Task
	for _, t := range s.tasks {
		if s.stateManager.ShouldRun(t.Name, t.Interval) {
			due = append(due, t)
		}
	}
	return due
}

// calculateTickInterval returns how often to check for due tasks
func (s *Scheduler) calculateTickInterval() time.Duration {
	if s.checkEvery > 0 {
		return s.checkEvery
	}
	shortest := s.tasks[0].Interval
	for _, t := range s.tasks[1:] {
		shortest = min(shortest, t.Interval)
	}
	// Check at least every minute, or every 1/10th of the interval
	return min(max(shortest/10, time.Minute), 10*time.Minute)
}

// logSchedule logs the current schedule
func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	for _, t := range s.tasks {
		state, exists := s.stateManager.GetTaskState(t.Name)
		if !exists {
			s.log.Infof("  %s (every %s): never run, will run immediately", t.Name, FormatInterval(t.Interval))
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s (every %s): last run %v (%s, %d items), next run %v",
			t.Name,
			FormatInterval(t.Interval),
			state.LastRunTime.Format(time.RFC3339),
			status,
			state.Items,
			s.stateManager.GetNextRunTime(t.Name, t.Interval).Format(time.RFC3339))
	}
}

// logNextRun logs when the next run will occur
func (s *Scheduler) logNextRun() {
	type next struct {
		task string
		time time.Time
	}
	var nextRuns []next
	for _, t := range s.tasks {
		nextRuns = append(nextRuns, next{t.Name, s.stateManager.GetNextRunTime(t.Name, t.Interval)})
	}
	sort.Slice(nextRuns, func(i, j int) bool {
		return nextRuns[i].time.Before(nextRuns[j].time)
	})

	if len(nextRuns) > 0 {
		n := nextRuns[0]
		until := max(time.Until(n.time), 0)
		s.log.Infof("Next run: %s in %v (at %s)", n.task, until.Round(time.Second), n.time.Format("2006-01-02 15:04:05"))
	}
}

// GetStatus returns the current status of all scheduled tasks
func (s *Scheduler) GetStatus() map[string]TaskStatus {
	status := make(map[string]TaskStatus, len(s.tasks))
	for _, t := range s.tasks {
		state, exists := s.stateManager.GetTaskState(t.Name)
		status[t.Name] = TaskStatus{
			Name:           t.Name,
			Interval:       t.Interval,
			LastRunTime:    state.LastRunTime,
			LastRunSuccess: state.LastRunSuccess,
			Items:          state.Items,
			ErrorMessage:   state.ErrorMessage,
			NextRunTime:    s.stateManager.GetNextRunTime(t.Name, t.Interval),
			NeverRun:       !exists,
		}
	}
	return status
}

// TaskStatus contains the status of a scheduled task
type TaskStatus struct {
	Name           string
	Interval       time.Duration
	LastRunTime    time.Time
	LastRunSuccess bool
	Items          int64
	ErrorMessage   string
	NextRunTime    time.Time
	NeverRun       bool
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration string with support for days ("7d", "1d12h")
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 {
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 12h, 7d)", s)
}
