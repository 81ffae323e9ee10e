package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshryn/bandwidth-allocator/internal/core/port"
	"github.com/dshryn/bandwidth-allocator/internal/metrics"
)

const defaultJobTimeout = 30 * time.Second

// MaintenanceJob is a periodic housekeeping task driven by a cron expression.
type MaintenanceJob struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// MaintenanceScheduler runs housekeeping jobs next to the flush loop.
type MaintenanceScheduler struct {
	cron     *cron.Cron
	log      *slog.Logger
	mu       sync.RWMutex
	jobs     map[string]MaintenanceJob
	entryIDs map[string]cron.EntryID // job name -> cron entry
}

var _ port.JobSchedule = (*MaintenanceScheduler)(nil)

func NewMaintenanceScheduler(logger *slog.Logger) *MaintenanceScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceScheduler{
		cron:     cron.New(),
		log:      logger.With("component", "maintenance"),
		jobs:     make(map[string]MaintenanceJob),
		entryIDs: make(map[string]cron.EntryID),
	}
}

func (s *MaintenanceScheduler) Start() {
	s.cron.Start()
	s.log.Info("maintenance scheduler started", "jobs", len(s.Jobs()))
}

// Stop waits for running jobs to return.
func (s *MaintenanceScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("maintenance scheduler stopped")
}

// AddJob registers job. Names must be unique.
func (s *MaintenanceScheduler) AddJob(job MaintenanceJob) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}

	entryID, err := s.cron.AddFunc(job.Spec, func() { s.RunNow(job.Name) })
	if err != nil {
		return fmt.Errorf("invalid cron expression '%s': %w", job.Spec, err)
	}

	s.jobs[job.Name] = job
	s.entryIDs[job.Name] = entryID
	s.log.Info("job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *MaintenanceScheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Schedule lists the registered jobs with their next execution. NextRun is
// nil until the scheduler is started.
func (s *MaintenanceScheduler) Schedule() []port.JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]port.JobInfo, 0, len(s.jobs))
	for name, job := range s.jobs {
		info := port.JobInfo{Name: name, Spec: job.Spec}
		if entry := s.cron.Entry(s.entryIDs[name]); !entry.Next.IsZero() {
			next := entry.Next
			info.NextRun = &next
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b port.JobInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// RunNow executes a job synchronously and reports whether it succeeded.
func (s *MaintenanceScheduler) RunNow(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job %q not found", name)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(job.Name, "failure").Inc()
		s.log.Error("job failed", "job", job.Name, "error", err)
		return err
	}
	metrics.MaintenanceRuns.WithLabelValues(job.Name, "success").Inc()
	s.log.Debug("job finished", "job", job.Name, "took", time.Since(start))
	return nil
}

// ReconcileJob re-applies intended tiers that never reached the backend.
func ReconcileJob(e *Engine, spec string) MaintenanceJob {
	return MaintenanceJob{
		Name: "reconcile",
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := e.Reconcile(ctx)
			return err
		},
	}
}

// RetentionJob deletes usage samples older than keep.
func RetentionJob(store port.UsageStore, spec string, keep time.Duration, logger *slog.Logger) MaintenanceJob {
	if logger == nil {
		logger = slog.Default()
	}
	return MaintenanceJob{
		Name: "retention",
		Spec: spec,
		Run: func(ctx context.Context) error {
			removed, err := store.PruneUsage(ctx, time.Now().Add(-keep))
			if err != nil {
				return fmt.Errorf("failed to prune usage: %w", err)
			}
			if removed > 0 {
				logger.Info("pruned usage samples", "removed", removed, "older_than", keep)
			}
			return nil
		},
	}
}

// DiscoveryJob periodically registers devices seen on the local network.
func DiscoveryJob(e *Engine, spec string) MaintenanceJob {
	return MaintenanceJob{
		Name:    "discovery",
		Spec:    spec,
		Timeout: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := e.Discover(ctx)
			return err
		},
	}
}
