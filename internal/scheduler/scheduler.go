package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/high-seas/pkg/logger"
)

// Requests is the orchestrator side of the scheduled jobs.
type Requests interface {
	RefreshLibrary(ctx context.Context) (int, error)
	Purge(ctx context.Context, retention time.Duration) (int, error)
}

// Cache is evicted alongside the purge job; *catalog.Service satisfies it.
type Cache interface {
	Evict() int
}

// Schedule holds the two cron expressions (standard 5-field syntax).
type Schedule struct {
	LibraryCron string
	PurgeCron   string
	Retention   time.Duration
}

type Scheduler struct {
	cron     *cron.Cron
	requests Requests
	cache    Cache

	mu        sync.Mutex
	running   bool
	entries   []cron.EntryID
	retention time.Duration

	// serializes job runs so a slow refresh and a manual trigger don't overlap
	jobMu sync.Mutex
}

func New(requests Requests, cache Cache) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		requests: requests,
		cache:    cache,
	}
}

// Start registers the jobs and starts the cron loop
func (s *Scheduler) Start(sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if err := s.schedule(sched); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Reschedule swaps the job expressions in place, e.g. after a config reload.
// On error the previous schedule stays active.
func (s *Scheduler) Reschedule(sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := parse(sched.LibraryCron); err != nil {
		return err
	}
	if _, err := parse(sched.PurgeCron); err != nil {
		return err
	}

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = nil
	return s.schedule(sched)
}

func (s *Scheduler) schedule(sched Schedule) error {
	libraryID, err := s.cron.AddFunc(withSeconds(sched.LibraryCron), s.runLibrary)
	if err != nil {
		return err
	}
	purgeID, err := s.cron.AddFunc(withSeconds(sched.PurgeCron), s.runPurge)
	if err != nil {
		s.cron.Remove(libraryID)
		return err
	}

	s.entries = []cron.EntryID{libraryID, purgeID}
	s.retention = sched.Retention

	logger.Infof("⏰ Scheduler: library %q, purge %q", sched.LibraryCron, sched.PurgeCron)
	return nil
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}

// RunNow triggers both jobs immediately
func (s *Scheduler) RunNow() {
	go func() {
		s.runLibrary()
		s.runPurge()
	}()
}

func (s *Scheduler) runLibrary() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	ctx := context.Background()
	start := time.Now()
	n, err := s.requests.RefreshLibrary(ctx)
	if err != nil {
		logger.Errorf("❌ Library job failed: %v", err)
		return
	}
	logger.Infof("📚 Library job done in %v: %d request(s) now available", time.Since(start).Round(time.Millisecond), n)
}

func (s *Scheduler) runPurge() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	s.mu.Lock()
	retention := s.retention
	s.mu.Unlock()

	if _, err := s.requests.Purge(context.Background(), retention); err != nil {
		logger.Errorf("❌ Purge job failed: %v", err)
	}
	if s.cache != nil {
		if n := s.cache.Evict(); n > 0 {
			logger.Debugf("[scheduler] evicted %d expired catalog entries", n)
		}
	}
}

// IsRunning returns whether the scheduler is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Convert standard cron (5 fields) to cron with seconds (6 fields)
func withSeconds(expr string) string {
	return "0 " + expr
}

func parse(expr string) (cron.Schedule, error) {
	return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).
		Parse(withSeconds(expr))
}
