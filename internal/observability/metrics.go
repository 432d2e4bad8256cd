// Package observability wires metrics and tracing. Both are optional: a
// disabled collector is a zero-value struct whose methods do nothing, so
// call sites never branch.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"loom/internal/logging"
)

// Generation outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeFailed    = "failed"
	OutcomeFallback  = "fallback"
)

// Turn mode labels.
const (
	ModeSingleShot = "single_shot"
	ModeReact      = "react"
)

// MetricsConfig configures the collector.
type MetricsConfig struct {
	Enabled bool
	// Addr is where the Prometheus scrape endpoint listens, e.g. ":9910".
	Addr string
}

// Collector owns every instrument the server records.
type Collector struct {
	meter  metric.Meter
	logger logging.Logger

	generationsStarted  metric.Int64Counter
	generationsFinished metric.Int64Counter
	generationsActive   metric.Int64UpDownCounter
	generationDuration  metric.Float64Histogram
	streamFrames        metric.Int64Counter
	toolExecutions      metric.Int64Counter
	toolDuration        metric.Float64Histogram
	healthProbes        metric.Int64Counter
	coalescerWrites     metric.Int64Counter
	coalescerPending    metric.Int64ObservableGauge

	prometheusServer *http.Server
}

// NewCollector builds the collector and, when enabled, starts the scrape
// endpoint.
func NewCollector(cfg MetricsConfig, logger logging.Logger) (*Collector, error) {
	c := &Collector{logger: logging.OrNop(logger)}
	if !cfg.Enabled {
		return c, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	c.meter = provider.Meter("loom")

	if c.generationsStarted, err = c.meter.Int64Counter(
		"loom.generations.started.total",
		metric.WithDescription("Generations begun"),
		metric.WithUnit("{generation}"),
	); err != nil {
		return nil, fmt.Errorf("create generations counter: %w", err)
	}
	if c.generationsFinished, err = c.meter.Int64Counter(
		"loom.generations.finished.total",
		metric.WithDescription("Generations finished, by outcome"),
		metric.WithUnit("{generation}"),
	); err != nil {
		return nil, fmt.Errorf("create finished counter: %w", err)
	}
	if c.generationsActive, err = c.meter.Int64UpDownCounter(
		"loom.generations.active",
		metric.WithDescription("Generations currently streaming"),
		metric.WithUnit("{generation}"),
	); err != nil {
		return nil, fmt.Errorf("create active gauge: %w", err)
	}
	if c.generationDuration, err = c.meter.Float64Histogram(
		"loom.generation.duration",
		metric.WithDescription("Wall time per generation in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if c.streamFrames, err = c.meter.Int64Counter(
		"loom.stream.frames.total",
		metric.WithDescription("Frames ingested from the model backend"),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, fmt.Errorf("create frames counter: %w", err)
	}
	if c.toolExecutions, err = c.meter.Int64Counter(
		"loom.tool.executions.total",
		metric.WithDescription("Tool executions, by tool and status"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create tool counter: %w", err)
	}
	if c.toolDuration, err = c.meter.Float64Histogram(
		"loom.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create tool histogram: %w", err)
	}
	if c.healthProbes, err = c.meter.Int64Counter(
		"loom.health.probes.total",
		metric.WithDescription("Backend health probes, by result"),
		metric.WithUnit("{probe}"),
	); err != nil {
		return nil, fmt.Errorf("create probe counter: %w", err)
	}
	if c.coalescerWrites, err = c.meter.Int64Counter(
		"loom.coalescer.writes.total",
		metric.WithDescription("Coalesced store writes, by outcome"),
		metric.WithUnit("{write}"),
	); err != nil {
		return nil, fmt.Errorf("create coalescer writes counter: %w", err)
	}
	if c.coalescerPending, err = c.meter.Int64ObservableGauge(
		"loom.coalescer.pending",
		metric.WithDescription("Message updates waiting for a flush"),
		metric.WithUnit("{update}"),
	); err != nil {
		return nil, fmt.Errorf("create pending gauge: %w", err)
	}

	if cfg.Addr != "" {
		c.startPrometheusServer(cfg.Addr)
	}
	return c, nil
}

// RegisterPendingGauge binds the coalescer's pending count to the gauge.
func (c *Collector) RegisterPendingGauge(pending func() int) error {
	if c.meter == nil {
		return nil
	}
	_, err := c.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(c.coalescerPending, int64(pending()))
		return nil
	}, c.coalescerPending)
	return err
}

// GenerationStarted records a new generation.
func (c *Collector) GenerationStarted(ctx context.Context) {
	if c.generationsStarted == nil {
		return
	}
	c.generationsStarted.Add(ctx, 1)
	c.generationsActive.Add(ctx, 1)
}

// GenerationFinished records the end of a generation.
func (c *Collector) GenerationFinished(ctx context.Context, mode, outcome string, duration time.Duration) {
	if c.generationsFinished == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	}
	c.generationsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.generationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	c.generationsActive.Add(ctx, -1)
}

// RecordStreamFrame counts one ingested frame.
func (c *Collector) RecordStreamFrame(ctx context.Context) {
	if c.streamFrames == nil {
		return
	}
	c.streamFrames.Add(ctx, 1)
}

// RecordToolExecution records one tool run.
func (c *Collector) RecordToolExecution(ctx context.Context, tool string, success bool, duration time.Duration) {
	if c.toolExecutions == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("status", status),
	}
	c.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordCoalescerWrite records the outcome of one coalesced store write.
func (c *Collector) RecordCoalescerWrite(ctx context.Context, outcome string) {
	if c.coalescerWrites == nil {
		return
	}
	c.coalescerWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProbe records one backend health probe result.
func (c *Collector) RecordProbe(ctx context.Context, available bool) {
	if c.healthProbes == nil {
		return
	}
	status := "available"
	if !available {
		status = "unavailable"
	}
	c.healthProbes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (c *Collector) startPrometheusServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	c.prometheusServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		c.logger.Info("metrics endpoint listening on %s", addr)
		if err := c.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed: %v", err)
		}
	}()
}

// Shutdown stops the scrape endpoint.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.prometheusServer != nil {
		return c.prometheusServer.Shutdown(ctx)
	}
	return nil
}
