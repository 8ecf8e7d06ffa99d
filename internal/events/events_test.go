package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/config"
	"github.com/fyrsmithlabs/rolloutd/internal/deploy"
	"github.com/fyrsmithlabs/rolloutd/internal/monitor"
	"github.com/fyrsmithlabs/rolloutd/internal/retire"
	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBus(t *testing.T) (*Bus, *nats.Conn) {
	t.Helper()
	bus, err := Connect(config.EventsConfig{Enabled: true, Embedded: true}, nil)
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	nc, err := nats.Connect(bus.embedded.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return bus, nc
}

func subscribe(t *testing.T, nc *nats.Conn, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 8)
	sub, err := nc.ChanSubscribe(subject, ch)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	require.NoError(t, nc.Flush())
	return ch
}

func receive(t *testing.T, ch chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestStrategyEvents(t *testing.T) {
	bus, nc := startBus(t)
	ch := subscribe(t, nc, "rollout.strategy.>")

	ref := strategy.Ref{ID: "payments-v1", Version: "1.0.0"}
	bus.PublishStrategy(context.Background(), "registered", ref, strategy.StatusDraft)

	msg := receive(t, ch)
	assert.Equal(t, "rollout.strategy.registered", msg.Subject)

	var ev StrategyEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, ref, ev.Strategy)
	assert.Equal(t, strategy.StatusDraft, ev.Status)
}

func TestDeploymentEvents(t *testing.T) {
	bus, nc := startBus(t)
	ch := subscribe(t, nc, "rollout.deployment.promoted")

	bus.PublishDeployment(context.Background(), "promoted", deploy.Deployment{
		ID:       "dep-1",
		Strategy: strategy.Ref{ID: "payments-v1", Version: "1.0.0"},
		Stage:    strategy.StatusBeta,
	})

	msg := receive(t, ch)
	var d deploy.Deployment
	require.NoError(t, json.Unmarshal(msg.Data, &d))
	assert.Equal(t, "dep-1", d.ID)
	assert.Equal(t, strategy.StatusBeta, d.Stage)
}

func TestRetirementAndMigrationEvents(t *testing.T) {
	bus, nc := startBus(t)
	retCh := subscribe(t, nc, "rollout.retirement.>")
	migCh := subscribe(t, nc, "rollout.migration.>")

	ctx := context.Background()
	bus.PublishRetirement(ctx, "redirected", retire.Retirement{
		Strategy: strategy.Ref{ID: "payments-v1", Version: "1.0.0"},
		Phase:    retire.PhaseRedirected,
	})
	bus.PublishMigration(ctx, "completed", retire.Migration{ID: "mig-1", Migrated: 40, Total: 40})

	assert.Equal(t, "rollout.retirement.redirected", receive(t, retCh).Subject)

	msg := receive(t, migCh)
	assert.Equal(t, "rollout.migration.completed", msg.Subject)
	var mg retire.Migration
	require.NoError(t, json.Unmarshal(msg.Data, &mg))
	assert.Equal(t, 40, mg.Migrated)
}

func TestAlertSubjectCarriesSeverity(t *testing.T) {
	bus, nc := startBus(t)
	critical := subscribe(t, nc, "rollout.alert.critical")
	all := subscribe(t, nc, "rollout.alert.>")

	err := bus.NotifyAlert(context.Background(), monitor.Alert{
		Rule:       monitor.AlertRule{Name: "high-error-rate", Severity: monitor.SeverityCritical},
		StrategyID: "payments-v1",
		Value:      0.2,
	})
	require.NoError(t, err)

	assert.Equal(t, "rollout.alert.critical", receive(t, critical).Subject)
	receive(t, all)
}

func TestAnomalyEvents(t *testing.T) {
	bus, nc := startBus(t)
	ch := subscribe(t, nc, "rollout.anomaly")

	err := bus.NotifyAnomaly(context.Background(), monitor.Anomaly{
		StrategyID: "payments-v1",
		Detector:   "statistical",
		Metric:     "latency_ms",
		Value:      900,
	})
	require.NoError(t, err)

	var a monitor.Anomaly
	require.NoError(t, json.Unmarshal(receive(t, ch).Data, &a))
	assert.Equal(t, "statistical", a.Detector)
}
