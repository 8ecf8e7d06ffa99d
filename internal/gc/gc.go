// Package gc reclaims storage for strategy versions nobody needs
// anymore. It runs on a schedule (default daily) and is deliberately
// conservative: unused strategies are marked for review rather than
// deleted, version pruning touches only retired or archived versions,
// and nothing in production is ever removed regardless of age.
package gc

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/registry"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/gc"

// MetricStore is the sample retention hook. The monitor satisfies this.
type MetricStore interface {
	DropSamplesBefore(cutoff time.Time) int
}

// Report summarizes one collection pass.
type Report struct {
	MarkedForReview int           `json:"marked_for_review"`
	PrunedVersions  int           `json:"pruned_versions"`
	EvictedCache    int           `json:"evicted_cache"`
	DroppedSamples  int           `json:"dropped_samples"`
	Duration        time.Duration `json:"duration"`
}

// Collector runs the scheduled reclamation jobs.
type Collector struct {
	registry *registry.Registry
	metrics  MetricStore
	cfg      config.GCConfig
	logger   *logging.Logger
	now      func() time.Time

	reclaimedTotal metric.Int64Counter
}

// New creates a collector. metrics may be nil to skip sample retention.
func New(cfg config.GCConfig, reg *registry.Registry, metrics MetricStore, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Collector{
		registry: reg,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.Named("gc"),
		now:      time.Now,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	c.reclaimedTotal, err = meter.Int64Counter(
		"rolloutd.gc.reclaimed_total",
		metric.WithDescription("Items reclaimed per pass, labeled by kind."),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		c.logger.Warn(context.Background(), "failed to create reclaimed counter", zap.Error(err))
	}

	return c
}

// Run executes one full collection pass.
func (c *Collector) Run(ctx context.Context) (*Report, error) {
	start := c.now()
	report := &Report{
		MarkedForReview: c.markUnused(ctx),
		PrunedVersions:  c.pruneVersions(ctx),
		EvictedCache:    c.evictCache(ctx),
		DroppedSamples:  c.dropOldSamples(ctx),
	}
	report.Duration = c.now().Sub(start)

	c.count(ctx, "marked_for_review", report.MarkedForReview)
	c.count(ctx, "pruned_versions", report.PrunedVersions)
	c.count(ctx, "evicted_cache", report.EvictedCache)
	c.count(ctx, "dropped_samples", report.DroppedSamples)

	c.logger.Info(ctx, "gc pass complete",
		zap.Int("marked_for_review", report.MarkedForReview),
		zap.Int("pruned_versions", report.PrunedVersions),
		zap.Int("evicted_cache", report.EvictedCache),
		zap.Int("dropped_samples", report.DroppedSamples),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (c *Collector) count(ctx context.Context, kind string, n int) {
	if c.reclaimedTotal == nil || n == 0 {
		return
	}
	c.reclaimedTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

// markUnused flags strategies idle past the threshold for review.
// Marking is not deletion; only the retirement flow removes a strategy
// from service. Deployed stages are exempt no matter how idle.
func (c *Collector) markUnused(ctx context.Context) int {
	cutoff := c.now().Add(-c.cfg.UnusedAfter.Duration())
	marked := 0
	for _, s := range c.registry.All() {
		if s.MarkedForReview || s.Status.Deployed() {
			continue
		}
		lastUsed := s.LastUsedAt
		if lastUsed.IsZero() {
			lastUsed = s.CreatedAt
		}
		if lastUsed.After(cutoff) {
			continue
		}
		_, err := c.registry.Update(ctx, s.Ref(), func(s *strategy.Strategy) error {
			s.MarkedForReview = true
			return nil
		})
		if err != nil {
			c.logger.Error(ctx, "mark for review failed",
				zap.String("strategy", s.Ref().String()), zap.Error(err))
			continue
		}
		marked++
		c.logger.Info(ctx, "strategy marked for review",
			zap.String("strategy", s.Ref().String()),
			zap.Time("last_used", lastUsed))
	}
	return marked
}

// pruneVersions deletes versions beyond the newest KeepVersions per
// strategy id, and only those already retired or archived. Newer
// versions are kept whatever their status.
func (c *Collector) pruneVersions(ctx context.Context) int {
	byID := make(map[string][]string)
	for _, s := range c.registry.All() {
		byID[s.ID] = c.registry.Versions(s.ID)
	}

	pruned := 0
	for id, versions := range byID {
		if len(versions) <= c.cfg.KeepVersions {
			continue
		}
		for _, v := range versions[:len(versions)-c.cfg.KeepVersions] {
			s, err := c.registry.Get(ctx, id, v)
			if err != nil {
				continue
			}
			switch s.Status {
			case strategy.StatusRetired, strategy.StatusArchived:
			default:
				continue
			}
			if err := c.registry.Delete(ctx, s.Ref()); err != nil {
				c.logger.Error(ctx, "version prune failed",
					zap.String("strategy", s.Ref().String()), zap.Error(err))
				continue
			}
			pruned++
			c.logger.Info(ctx, "version pruned",
				zap.String("strategy", s.Ref().String()))
		}
	}
	return pruned
}

// evictCache trims the registry's read cache by LRU once it crosses the
// high watermark.
func (c *Collector) evictCache(ctx context.Context) int {
	stats := c.registry.CacheStats()
	if stats.Capacity == 0 || float64(stats.Entries)/float64(stats.Capacity) <= c.cfg.CacheHighWatermark {
		return 0
	}
	evicted := c.registry.EvictCacheToWatermark(c.cfg.CacheHighWatermark)
	if evicted > 0 {
		c.logger.Debug(ctx, "cache evicted to watermark",
			zap.Int("evicted", evicted))
	}
	return evicted
}

// dropOldSamples enforces the metrics retention window.
func (c *Collector) dropOldSamples(context.Context) int {
	if c.metrics == nil {
		return 0
	}
	return c.metrics.DropSamplesBefore(c.now().Add(-c.cfg.MetricsRetention.Duration()))
}
