package txstore

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the OpenTelemetry instruments TransactionEngine updates as
// transactions open, commit, and roll back. It is built from a
// telemetry.Telemetry's Meter, keeping this package free of any direct
// dependency on how that meter is exported (Prometheus, OTLP, or disabled).
type Metrics struct {
	ActiveTransactions metric.Int64UpDownCounter
	Commits            metric.Int64Counter
	Rollbacks          metric.Int64Counter
	Validations        metric.Int64Counter
	LockConflicts      metric.Int64Counter
	UndoLogSize        metric.Int64UpDownCounter
}

// NewMetrics builds the engine's instruments from meter. Pass the Meter
// field of a *telemetry.Telemetry returned by telemetry.New.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	active, err := meter.Int64UpDownCounter("txstore.transactions.active",
		metric.WithDescription("number of transactions currently open"))
	if err != nil {
		return nil, err
	}
	commits, err := meter.Int64Counter("txstore.commits.total",
		metric.WithDescription("number of transactions committed"))
	if err != nil {
		return nil, err
	}
	rollbacks, err := meter.Int64Counter("txstore.rollbacks.total",
		metric.WithDescription("number of transactions rolled back"))
	if err != nil {
		return nil, err
	}
	validations, err := meter.Int64Counter("txstore.validations.total",
		metric.WithDescription("number of in-doubt transaction validations performed"))
	if err != nil {
		return nil, err
	}
	lockConflicts, err := meter.Int64Counter("txstore.lock_conflicts.total",
		metric.WithDescription("number of trySet calls that returned false because a foreign transaction still owns the entry"))
	if err != nil {
		return nil, err
	}
	undoLogSize, err := meter.Int64UpDownCounter("txstore.undo_log.size",
		metric.WithDescription("number of undo entries currently outstanding across all transactions"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		ActiveTransactions: active,
		Commits:            commits,
		Rollbacks:          rollbacks,
		Validations:        validations,
		LockConflicts:      lockConflicts,
		UndoLogSize:        undoLogSize,
	}, nil
}

// NewNopMetrics returns Metrics backed by the OTel no-op meter, used as the
// TransactionEngine default so instrumentation is opt-in (WithMetrics).
func NewNopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		// The no-op meter never rejects instrument creation.
		panic(err)
	}
	return m
}
