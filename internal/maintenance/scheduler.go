package maintenance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reelay/internal/config"
)

// Scheduler runs registered tasks on the configured cron schedule, in
// registration order. Retention registers before database upkeep so vacuum
// sees the rows retention already removed.
type Scheduler struct {
	config config.MaintenanceConfig
	cron   *cron.Cron
	loc    *time.Location
	logger *log.Logger

	mu      sync.RWMutex
	tasks   []Task
	status  map[string]TaskStatus
	entry   cron.EntryID
	running bool
}

// NewScheduler creates a scheduler for the configured cadence. The cron
// expression and the maintenance window are both evaluated in loc; nil
// means the server's local zone. Tasks are added with Register before
// Start.
func NewScheduler(cfg config.MaintenanceConfig, loc *time.Location, logger *log.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		config: cfg,
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		loc:    loc,
		logger: logger,
		status: make(map[string]TaskStatus),
	}
}

// Register adds a task. Execution order follows registration order.
func (s *Scheduler) Register(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = append(s.tasks, task)
	s.status[task.Name()] = TaskStatus{
		Name:        task.Name(),
		Description: task.Description(),
		Enabled:     s.config.Enabled,
		Schedule:    s.config.CronSchedule(),
	}
	s.logger.Printf("[Maintenance] Registered task: %s", task.Name())
}

// Start schedules the registered tasks. Disabled configuration leaves the
// scheduler idle; RunNow still works.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("maintenance scheduler is already running")
	}
	if !s.config.Enabled {
		s.logger.Println("[Maintenance] Scheduler disabled in configuration")
		return nil
	}

	id, err := s.cron.AddFunc(s.config.CronSchedule(), s.runScheduled)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	s.entry = id
	s.cron.Start()
	s.running = true

	s.logger.Printf("[Maintenance] Scheduler started: %d tasks on %q",
		len(s.tasks), s.config.CronSchedule())
	return nil
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Println("[Maintenance] Scheduler stopped")
	case <-time.After(30 * time.Second):
		s.logger.Println("[Maintenance] Scheduler stop timed out")
	}
}

// runScheduled is the cron entry point. It honors the maintenance window;
// an explicit RunNow does not.
func (s *Scheduler) runScheduled() {
	if !s.config.InWindow(time.Now().In(s.loc)) {
		s.logger.Println("[Maintenance] Skipping scheduled run outside the maintenance window")
		return
	}
	s.RunNow(context.Background())
}

// RunNow executes every registered task immediately, in order. A failing
// task does not stop the ones after it; the first failure is returned.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.RLock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.RUnlock()

	s.logger.Printf("[Maintenance] Running %d tasks", len(tasks))

	var firstErr error
	for _, task := range tasks {
		if result := s.executeTask(ctx, task); !result.Success && firstErr == nil {
			if result.Error != nil {
				firstErr = fmt.Errorf("task %s: %w", task.Name(), result.Error)
			} else {
				firstErr = fmt.Errorf("task %s: %s", task.Name(), result.Message)
			}
		}
	}
	return firstErr
}

// Status returns a snapshot of every task's last outcome and next run.
func (s *Scheduler) Status() map[string]TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	next := time.Time{}
	if s.running {
		next = s.cron.Entry(s.entry).Next
	}

	out := make(map[string]TaskStatus, len(s.status))
	for name, st := range s.status {
		st.NextRun = next
		out[name] = st
	}
	return out
}

// IsRunning reports whether the cron schedule is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) executeTask(ctx context.Context, task Task) TaskResult {
	name := task.Name()
	s.logger.Printf("[Maintenance] Starting task: %s", name)

	start := time.Now()
	result := task.Execute(ctx)
	result.Duration = time.Since(start)

	s.mu.Lock()
	st := s.status[name]
	st.LastRun = start
	st.LastResult = result
	s.status[name] = st
	s.mu.Unlock()

	if result.Success {
		s.logger.Printf("[Maintenance] Task %s completed in %v: %s", name, result.Duration, result.Message)
		if result.RecordsProcessed > 0 {
			s.logger.Printf("[Maintenance] Task %s processed %d records", name, result.RecordsProcessed)
		}
		if result.SpaceReclaimed > 0 {
			s.logger.Printf("[Maintenance] Task %s reclaimed %d bytes", name, result.SpaceReclaimed)
		}
	} else {
		s.logger.Printf("[Maintenance] Task %s failed after %v: %s", name, result.Duration, result.Message)
		if result.Error != nil {
			s.logger.Printf("[Maintenance] Task %s error: %v", name, result.Error)
		}
	}
	return result
}
