// Package observer defines the Observability capability the Middleware
// Pipeline's first stage uses to emit trace spans, errors, and counters.
// The default implementation routes everything through pkg/logger so a
// deployment with no dedicated tracing/metrics backend still gets
// structured, correlatable output; a real backend (OpenTelemetry, StatsD,
// Prometheus) can be wired in behind the same interface without touching
// the pipeline.
package observer

import (
	"context"
	"time"

	"github.com/gatekeep/accessplane/pkg/logger"
)

// Observer is the capability the Observability and Metrics pipeline stages
// invoke.
type Observer interface {
	// EmitSpan records that an operation ran for duration, tagged by name.
	EmitSpan(ctx context.Context, name string, duration time.Duration)
	// EmitError records an operational error tagged by name.
	EmitError(ctx context.Context, name string, err error)
	// EmitCounter increments a named counter by delta.
	EmitCounter(ctx context.Context, name string, delta int64)
}

// LoggerObserver is the default Observer, backed by pkg/logger.
type LoggerObserver struct {
	logger *logger.Logger
}

// New constructs a LoggerObserver.
func New(log *logger.Logger) *LoggerObserver {
	return &LoggerObserver{logger: log}
}

// EmitSpan implements Observer.
func (o *LoggerObserver) EmitSpan(ctx context.Context, name string, duration time.Duration) {
	o.logger.Performance(ctx, name, duration)
}

// EmitError implements Observer.
func (o *LoggerObserver) EmitError(ctx context.Context, name string, err error) {
	o.logger.Error(ctx, name, err)
}

// EmitCounter implements Observer.
func (o *LoggerObserver) EmitCounter(ctx context.Context, name string, delta int64) {
	o.logger.Sugar().Infow("counter", "name", name, "delta", delta)
}
