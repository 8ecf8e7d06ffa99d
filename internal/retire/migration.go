package retire

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Errors for migrations.
var (
	// ErrMigrationExists means a migration is already running off the
	// same source strategy.
	ErrMigrationExists = errors.New("migration already running for strategy")
	// ErrIncompatibleMigration means the target cannot absorb the
	// source's sessions: missing, retired, or an older version of the
	// same id.
	ErrIncompatibleMigration = errors.New("migration target incompatible")
	// ErrMigrationNotFound means no migration has the given id.
	ErrMigrationNotFound = errors.New("migration not found")
)

// PartialFailureError reports a migration aborted by consecutive batch
// failures, with how far it got.
type PartialFailureError struct {
	MigrationID string
	Migrated    int
	Total       int
	Err         error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("migration %s aborted at %d/%d sessions: %v", e.MigrationID, e.Migrated, e.Total, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// MigrationStatus is the lifecycle state of one migration.
type MigrationStatus string

const (
	MigrationRunning        MigrationStatus = "running"
	MigrationCompleted      MigrationStatus = "completed"
	MigrationPartialFailure MigrationStatus = "partial_failure"
	MigrationCancelled      MigrationStatus = "cancelled"
)

// Migration moves active sessions from one strategy to another in
// fixed-size batches.
type Migration struct {
	ID       string          `json:"id"`
	From     strategy.Ref    `json:"from"`
	To       strategy.Ref    `json:"to"`
	Total    int             `json:"total"`
	Migrated int             `json:"migrated"`
	Status   MigrationStatus `json:"status"`
	// Progress is Migrated/Total, 1.0 for an empty source.
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore tracks which strategy each active session is pinned to.
type SessionStore interface {
	// Count returns the sessions currently pinned to ref.
	Count(ctx context.Context, ref strategy.Ref) (int, error)
	// Move re-pins up to limit sessions from one strategy to another and
	// returns how many moved.
	Move(ctx context.Context, from, to strategy.Ref, limit int) (int, error)
}

type migrationRun struct {
	mg     Migration
	cancel context.CancelFunc
}

// StartMigration begins moving sessions off from and onto to in the
// background. The target is compatibility-gated first. One migration
// per source strategy at a time.
func (m *Manager) StartMigration(ctx context.Context, from, to strategy.Ref) (*Migration, error) {
	if err := m.checkCompatible(ctx, from, to); err != nil {
		return nil, err
	}

	total, err := m.sessions.Count(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("counting sessions for %s: %w", from, err)
	}

	m.mu.Lock()
	for _, run := range m.migrations {
		if run.mg.From == from && run.mg.Status == MigrationRunning {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrMigrationExists, from.ID)
		}
	}
	now := m.now()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &migrationRun{
		mg: Migration{
			ID:        uuid.NewString(),
			From:      from,
			To:        to,
			Total:     total,
			Status:    MigrationRunning,
			StartedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}
	m.migrations[run.mg.ID] = run
	snapshot := run.mg
	m.mu.Unlock()

	m.logger.Info(ctx, "migration started",
		zap.String("migration_id", snapshot.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("total", total))
	m.publishMigration(ctx, "started", snapshot)

	go m.runMigration(runCtx, run)
	return &snapshot, nil
}

// checkCompatible gates the migration on the target's fitness: it must
// exist, be deployable or deployed, and for a same-id migration be a
// strictly newer version.
func (m *Manager) checkCompatible(ctx context.Context, from, to strategy.Ref) error {
	target, err := m.registry.Get(ctx, to.ID, to.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleMigration, err)
	}
	switch target.Status {
	case strategy.StatusValidated, strategy.StatusCanary, strategy.StatusBeta, strategy.StatusProduction:
	default:
		return fmt.Errorf("%w: %s is %s", ErrIncompatibleMigration, to, target.Status)
	}
	if from.ID == to.ID && strategy.CompareVersions(to.Version, from.Version) <= 0 {
		return fmt.Errorf("%w: %s does not supersede %s", ErrIncompatibleMigration, to, from)
	}
	return nil
}

// runMigration is the batch loop. A failed batch is retried after the
// backoff; only MaxBatchFailures consecutive failures abort, reporting
// the partial-completion state.
func (m *Manager) runMigration(ctx context.Context, run *migrationRun) {
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			m.finishMigration(run, MigrationCancelled, ctx.Err())
			return
		default:
		}

		moved, err := m.sessions.Move(ctx, run.mg.From, run.mg.To, m.cfg.MigrationBatchSize)
		if err != nil {
			consecutive++
			if consecutive >= m.cfg.MaxBatchFailures {
				m.finishMigration(run, MigrationPartialFailure, &PartialFailureError{
					MigrationID: run.mg.ID,
					Migrated:    m.progressOf(run),
					Total:       run.mg.Total,
					Err:         err,
				})
				return
			}
			m.logger.Warn(ctx, "migration batch failed, retrying",
				zap.String("migration_id", run.mg.ID),
				zap.Int("consecutive_failures", consecutive),
				zap.Error(err))
			select {
			case <-ctx.Done():
				m.finishMigration(run, MigrationCancelled, ctx.Err())
				return
			case <-time.After(m.cfg.BatchRetryBackoff.Duration()):
			}
			continue
		}
		consecutive = 0

		m.mu.Lock()
		run.mg.Migrated += moved
		run.mg.UpdatedAt = m.now()
		if run.mg.Total > 0 {
			run.mg.Progress = float64(run.mg.Migrated) / float64(run.mg.Total)
		}
		done := moved == 0 || run.mg.Migrated >= run.mg.Total
		m.mu.Unlock()

		if m.migratedTotal != nil && moved > 0 {
			m.migratedTotal.Add(ctx, int64(moved), metric.WithAttributes(
				attribute.String("to", run.mg.To.String()),
			))
		}
		if done {
			m.finishMigration(run, MigrationCompleted, nil)
			return
		}
	}
}

func (m *Manager) progressOf(run *migrationRun) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return run.mg.Migrated
}

func (m *Manager) finishMigration(run *migrationRun, status MigrationStatus, cause error) {
	m.mu.Lock()
	run.mg.Status = status
	run.mg.UpdatedAt = m.now()
	if status == MigrationCompleted {
		run.mg.Progress = 1.0
	}
	if cause != nil {
		run.mg.Error = cause.Error()
	}
	snapshot := run.mg
	m.mu.Unlock()

	ctx := context.Background()
	switch status {
	case MigrationCompleted:
		m.logger.Info(ctx, "migration completed",
			zap.String("migration_id", snapshot.ID),
			zap.Int("migrated", snapshot.Migrated))
	default:
		m.logger.Warn(ctx, "migration stopped",
			zap.String("migration_id", snapshot.ID),
			zap.String("status", string(status)),
			zap.Int("migrated", snapshot.Migrated),
			zap.Int("total", snapshot.Total))
	}
	m.publishMigration(ctx, string(status), snapshot)
}

// CancelMigration cooperatively stops a running migration. The current
// batch finishes or fails; no session is left mid-move.
func (m *Manager) CancelMigration(id string) error {
	m.mu.Lock()
	run, ok := m.migrations[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrMigrationNotFound, id)
	}
	run.cancel()
	return nil
}

// Migration returns a snapshot of one migration by id.
func (m *Manager) Migration(id string) (*Migration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.migrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMigrationNotFound, id)
	}
	cp := run.mg
	return &cp, nil
}

// Migrations snapshots every tracked migration, newest first.
func (m *Manager) Migrations() []*Migration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Migration, 0, len(m.migrations))
	for _, run := range m.migrations {
		cp := run.mg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) publishMigration(ctx context.Context, event string, mg Migration) {
	if m.events == nil {
		return
	}
	m.events.PublishMigration(ctx, event, mg)
}

// MemorySessions is the in-process SessionStore: a counter of sessions
// pinned per strategy version. Real deployments would back this with a
// session broker; the daemon's default keeps the counters from the
// selector's completions.
type MemorySessions struct {
	mu     sync.Mutex
	pinned map[strategy.Ref]int
}

// NewMemorySessions creates an empty store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{pinned: make(map[strategy.Ref]int)}
}

// Pin records n sessions on ref.
func (s *MemorySessions) Pin(ref strategy.Ref, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[ref] += n
}

// Count implements SessionStore.
func (s *MemorySessions) Count(_ context.Context, ref strategy.Ref) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned[ref], nil
}

// Move implements SessionStore.
func (s *MemorySessions) Move(_ context.Context, from, to strategy.Ref, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pinned[from]
	if n > limit {
		n = limit
	}
	if n == 0 {
		return 0, nil
	}
	s.pinned[from] -= n
	s.pinned[to] += n
	return n, nil
}
