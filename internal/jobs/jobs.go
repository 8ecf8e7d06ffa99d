// Package jobs runs the daemon's recurring background work: deployment
// checks, alert evaluation, retirement passes, and GC.
//
// Each registered job ticks on its own interval in its own goroutine.
// Failures are isolated per tick: an error or panic is logged and
// counted, and the job simply runs again next tick.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/jobs"

// Errors for scheduler operations.
var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrDuplicateJob   = errors.New("job name already registered")
	ErrUnknownJob     = errors.New("no job registered under that name")
)

// Job is one recurring task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means unbounded.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Status is a snapshot of one job's counters.
type Status struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type managedJob struct {
	job Job

	mu        sync.Mutex
	runs      uint64
	failures  uint64
	lastRunAt time.Time
	lastError string
}

// Scheduler owns the background jobs. Register everything first, then
// Start once.
type Scheduler struct {
	logger *logging.Logger

	mu      sync.Mutex
	jobs    map[string]*managedJob
	order   []string
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	runsTotal metric.Int64Counter
}

// New creates an empty scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Scheduler{
		logger: logger.Named("jobs"),
		jobs:   make(map[string]*managedJob),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	s.runsTotal, err = meter.Int64Counter(
		"rolloutd.jobs.runs_total",
		metric.WithDescription("Background job runs, labeled by job and outcome."),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create runs counter", zap.Error(err))
	}

	return s
}

// Register adds a job. Names are unique; registration after Start is
// rejected.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		return fmt.Errorf("job needs a name, a positive interval, and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	s.jobs[job.Name] = &managedJob{job: job}
	s.order = append(s.order, job.Name)
	return nil
}

// Start launches one ticker goroutine per job. Idempotent in the sense
// that a second Start fails instead of doubling the goroutines.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})

	for _, name := range s.order {
		mj := s.jobs[name]
		s.wg.Add(1)
		go s.loop(mj, s.stopCh)
		s.logger.Info(context.Background(), "job scheduled",
			zap.String("job", name),
			zap.Duration("interval", mj.job.Interval))
	}
	return nil
}

// Stop signals every loop and waits for in-flight runs to finish.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info(context.Background(), "scheduler stopped")
}

func (s *Scheduler) loop(mj *managedJob, stopCh <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(mj.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOne(context.Background(), mj)
		case <-stopCh:
			return
		}
	}
}

// RunNow triggers one job immediately, outside its schedule. Used by
// the manual GC endpoint.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	mj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runOne(ctx, mj)
}

// runOne executes a single tick with panic isolation. A panicking job
// is recorded as a failure and the scheduler keeps going.
func (s *Scheduler) runOne(ctx context.Context, mj *managedJob) (err error) {
	if mj.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mj.job.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", mj.job.Name, r)
			s.logger.Error(ctx, "job panicked, continuing",
				zap.String("job", mj.job.Name),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
		s.record(ctx, mj, err)
	}()

	err = mj.job.Run(ctx)
	if err != nil {
		s.logger.Error(ctx, "job run failed",
			zap.String("job", mj.job.Name),
			zap.Error(err))
	}
	return err
}

func (s *Scheduler) record(ctx context.Context, mj *managedJob, err error) {
	mj.mu.Lock()
	mj.runs++
	mj.lastRunAt = time.Now()
	if err != nil {
		mj.failures++
		mj.lastError = err.Error()
	} else {
		mj.lastError = ""
	}
	mj.mu.Unlock()

	if s.runsTotal != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.runsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("job", mj.job.Name),
			attribute.String("outcome", outcome),
		))
	}
}

// Statuses snapshots every job's counters, sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	managed := make([]*managedJob, 0, len(s.jobs))
	for _, mj := range s.jobs {
		managed = append(managed, mj)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(managed))
	for _, mj := range managed {
		mj.mu.Lock()
		out = append(out, Status{
			Name:      mj.job.Name,
			Interval:  mj.job.Interval.String(),
			Runs:      mj.runs,
			Failures:  mj.failures,
			LastRunAt: mj.lastRunAt,
			LastError: mj.lastError,
		})
		mj.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
