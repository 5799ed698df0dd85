// Package metrics wires the daemon's OpenTelemetry meter provider: an
// IPC request counter, an auth-state-transition counter, and an
// asynchronous gauge sampling how many sessions currently have
// outbound sync work pending. Exported via the stdout exporter on a
// periodic reader; pointing the provider at a collector instead is a
// deployment concern.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// PendingSyncCounter reports how many sessions currently have unsynced
// messages. internal/store.Store.SessionsPendingSync satisfies this via
// a thin len() adapter in cmd/daemond.
type PendingSyncCounter func(ctx context.Context) (int64, error)

// Provider owns the daemon's meter and its handful of instruments.
type Provider struct {
	mp *sdkmetric.MeterProvider

	ipcRequests metric.Int64Counter
	authStates  metric.Int64Counter
}

// New builds a Provider that exports to stdout on a 60s period, every
// instrument tagged with the daemon's device id. pendingSync may be
// nil if no store is available yet (e.g. tests).
func New(deviceID string, pendingSync PendingSyncCounter) (*Provider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("metrics: build exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("agentd"),
		attribute.String("device_id", deviceID),
	))
	if err != nil {
		return nil, fmt.Errorf("metrics: build resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(60*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	meter := mp.Meter("github.com/bdaemon/agentd")

	ipcRequests, err := meter.Int64Counter("ipc_requests_total",
		metric.WithDescription("Total IPC requests handled, by method and outcome."))
	if err != nil {
		return nil, fmt.Errorf("metrics: build ipc_requests_total: %w", err)
	}

	authStates, err := meter.Int64Counter("auth_state_transitions_total",
		metric.WithDescription("Total auth state machine transitions, by resulting state."))
	if err != nil {
		return nil, fmt.Errorf("metrics: build auth_state_transitions_total: %w", err)
	}

	if pendingSync != nil {
		gauge, err := meter.Int64ObservableGauge("sync_pending_sessions",
			metric.WithDescription("Sessions with outbound messages not yet synced."))
		if err != nil {
			return nil, fmt.Errorf("metrics: build sync_pending_sessions: %w", err)
		}
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			n, err := pendingSync(ctx)
			if err != nil {
				return err
			}
			o.ObserveInt64(gauge, n)
			return nil
		}, gauge); err != nil {
			return nil, fmt.Errorf("metrics: register callback: %w", err)
		}
	}

	return &Provider{mp: mp, ipcRequests: ipcRequests, authStates: authStates}, nil
}

// RecordIPCRequest increments the request counter for method, tagged
// with whether the call returned an error.
func (p *Provider) RecordIPCRequest(ctx context.Context, method string, failed bool) {
	p.ipcRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("error", failed),
	))
}

// RecordAuthState increments the transition counter for the newly
// entered state.
func (p *Provider) RecordAuthState(ctx context.Context, state string) {
	p.authStates.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
