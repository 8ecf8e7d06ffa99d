// Package events publishes lifecycle notifications to NATS.
//
// Subjects:
//
//	rollout.strategy.<event>    registry lifecycle (registered, validated, ...)
//	rollout.deployment.<event>  orchestrator lifecycle (created, promoted, ...)
//	rollout.retirement.<event>  retirement phases
//	rollout.migration.<event>   migration lifecycle
//	rollout.anomaly             detector findings
//	rollout.alert.<severity>    alert dispatches
//
// The bus satisfies the notifier interfaces of the monitor, the
// orchestrator, and the retirement manager. Publishing is best-effort:
// a failed publish is logged and counted, never propagated into the
// operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/deploy"
	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/monitor"
	"github.com/fyrsmithlabs/rolloutd/internal/retire"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/rolloutd/internal/events"

const subjectPrefix = "rollout"

// Bus is the NATS-backed event publisher.
type Bus struct {
	nc       *nats.Conn
	embedded *natsserver.Server
	logger   *logging.Logger

	publishedTotal metric.Int64Counter
}

// Connect creates a bus per the events configuration. With Embedded set
// it runs an in-process nats-server on an ephemeral port and connects
// to that instead of cfg.URL.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*Bus, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &Bus{logger: logger.Named("events")}

	url := cfg.URL
	if cfg.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, fmt.Errorf("starting embedded nats server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded nats server not ready")
		}
		b.embedded = srv
		url = srv.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Name("rolloutd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		if b.embedded != nil {
			b.embedded.Shutdown()
		}
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	b.nc = nc

	meter := otel.Meter(instrumentationName)
	b.publishedTotal, err = meter.Int64Counter(
		"rolloutd.events.published_total",
		metric.WithDescription("Events published, labeled by subject and outcome."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		b.logger.Warn(context.Background(), "failed to create published counter", zap.Error(err))
	}

	b.logger.Info(context.Background(), "event bus connected",
		zap.String("url", url),
		zap.Bool("embedded", cfg.Embedded))
	return b, nil
}

// Close drains the connection and stops the embedded server if one is
// running.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}

// publish marshals and sends one event. Failures never propagate; the
// producing operation already succeeded.
func (b *Bus) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error(ctx, "event marshal failed",
			zap.String("subject", subject), zap.Error(err))
		return
	}

	outcome := "ok"
	if err := b.nc.Publish(subject, data); err != nil {
		outcome = "error"
		b.logger.Warn(ctx, "event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
	if b.publishedTotal != nil {
		b.publishedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subject", subject),
			attribute.String("outcome", outcome),
		))
	}
}

// StrategyEvent is the payload on rollout.strategy.* subjects.
type StrategyEvent struct {
	Strategy strategy.Ref    `json:"strategy"`
	Status   strategy.Status `json:"status"`
	At       time.Time       `json:"at"`
}

// PublishStrategy announces a registry lifecycle event.
func (b *Bus) PublishStrategy(ctx context.Context, event string, ref strategy.Ref, status strategy.Status) {
	b.publish(ctx, fmt.Sprintf("%s.strategy.%s", subjectPrefix, event), StrategyEvent{
		Strategy: ref,
		Status:   status,
		At:       time.Now(),
	})
}

// PublishDeployment implements the orchestrator's event sink.
func (b *Bus) PublishDeployment(ctx context.Context, event string, d deploy.Deployment) {
	b.publish(ctx, fmt.Sprintf("%s.deployment.%s", subjectPrefix, event), d)
}

// PublishRetirement implements the retirement manager's event sink.
func (b *Bus) PublishRetirement(ctx context.Context, event string, r retire.Retirement) {
	b.publish(ctx, fmt.Sprintf("%s.retirement.%s", subjectPrefix, event), r)
}

// PublishMigration implements the retirement manager's event sink.
func (b *Bus) PublishMigration(ctx context.Context, event string, mg retire.Migration) {
	b.publish(ctx, fmt.Sprintf("%s.migration.%s", subjectPrefix, event), mg)
}

// NotifyAnomaly implements monitor.Notifier.
func (b *Bus) NotifyAnomaly(ctx context.Context, a monitor.Anomaly) error {
	b.publish(ctx, subjectPrefix+".anomaly", a)
	return nil
}

// NotifyAlert implements monitor.Notifier. The severity lands in the
// subject so channels can subscribe selectively.
func (b *Bus) NotifyAlert(ctx context.Context, a monitor.Alert) error {
	b.publish(ctx, fmt.Sprintf("%s.alert.%s", subjectPrefix, a.Rule.Severity), a)
	return nil
}
