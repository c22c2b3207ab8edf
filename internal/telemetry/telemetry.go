package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Telemetry owns the providers installed as the process globals. Packages
// obtain tracers and meters through otel.Tracer and otel.Meter.
type Telemetry struct {
	cfg    *Config
	traces *trace.TracerProvider
	meters *sdkmetric.MeterProvider

	mu       sync.Mutex
	problems []string
	closed   bool
}

// New installs tracer and meter providers globally. With telemetry disabled
// the global no-op providers stay in place. An exporter that cannot be built
// is recorded as a problem reported by Check; it never fails startup.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	res := newResource(cfg)

	exp, err := o.spans(ctx, cfg)
	if err != nil {
		t.problem("traces: %v", err)
	} else {
		t.traces = newTracerProvider(exp, cfg, res)
		otel.SetTracerProvider(t.traces)
	}

	if cfg.MetricsEnabled {
		exp, err := o.metrics(ctx, cfg)
		if err != nil {
			t.problem("metrics: %v", err)
		} else {
			t.meters = newMeterProvider(exp, cfg, res)
			otel.SetMeterProvider(t.meters)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// LoggerProvider returns the global log provider for the otelzap bridge, or
// nil when telemetry is disabled.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil || t.cfg == nil || !t.cfg.Enabled {
		return nil
	}
	return global.GetLoggerProvider()
}

// Check reports exporter setup problems and use after Shutdown. It has the
// shape of an HTTP health check.
func (t *Telemetry) Check(context.Context) error {
	if t == nil {
		return errors.New("telemetry not initialized")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return errors.New("shut down")
	case len(t.problems) > 0:
		return fmt.Errorf("degraded: %s", strings.Join(t.problems, "; "))
	}
	return nil
}

// Flush exports pending spans and metrics.
func (t *Telemetry) Flush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.traces != nil {
		errs = append(errs, t.traces.ForceFlush(ctx))
	}
	if t.meters != nil {
		errs = append(errs, t.meters.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers. Without a deadline on ctx it is
// bounded by Config.ShutdownTimeout.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("traces: %w", err))
		}
	}
	if t.meters != nil {
		if err := t.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return errors.Join(errs...)
}

func (t *Telemetry) problem(format string, args ...any) {
	t.mu.Lock()
	t.problems = append(t.problems, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}
