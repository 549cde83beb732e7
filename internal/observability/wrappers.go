package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tuma/internal/sandbox"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps a sandbox.Provider with metrics and tracing.
// Every sandbox it creates is wrapped the same way.
type InstrumentedProvider struct {
	inner   sandbox.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps a provider with observability.
func NewInstrumentedProvider(inner sandbox.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Sandbox, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "sandbox.create",
			trace.WithAttributes(
				attribute.String("sandbox.template", opts.Template),
			))
		defer span.End()
	}

	start := time.Now()
	sbx, err := p.inner.Create(ctx, opts)
	p.record(ctx, "create", start, err)
	if err != nil {
		return nil, err
	}

	return &instrumentedSandbox{
		inner:    sbx,
		provider: p,
	}, nil
}

func (p *InstrumentedProvider) record(ctx context.Context, op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if p.metrics != nil {
		p.metrics.SandboxRequestsTotal.WithLabelValues(op, status).Inc()
		p.metrics.SandboxRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// instrumentedSandbox wraps a sandbox.Sandbox, recording a metric and a
// span per control-plane call.
type instrumentedSandbox struct {
	inner    sandbox.Sandbox
	provider *InstrumentedProvider
}

func (s *instrumentedSandbox) ID() string { return s.inner.ID() }

func (s *instrumentedSandbox) RunCommand(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	if s.provider.tracer != nil {
		var span trace.Span
		ctx, span = s.provider.tracer.Start(ctx, "sandbox.exec",
			trace.WithAttributes(
				attribute.String("sandbox.id", s.inner.ID()),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := s.inner.RunCommand(ctx, cmd, opts)
	s.provider.record(ctx, "exec", start, err)

	if err == nil && res != nil && res.ExitCode != 0 && s.provider.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.Int("sandbox.exit_code", res.ExitCode))
	}
	return res, err
}

func (s *instrumentedSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	start := time.Now()
	err := s.inner.WriteFile(ctx, path, content)
	s.provider.record(ctx, "write_file", start, err)
	return err
}

func (s *instrumentedSandbox) Hostname(ctx context.Context, port int) (string, error) {
	host, err := s.inner.Hostname(ctx, port)
	s.provider.record(ctx, "hostname", time.Now(), err)
	return host, err
}

func (s *instrumentedSandbox) Kill(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Kill(ctx)
	s.provider.record(ctx, "kill", start, err)
	return err
}
