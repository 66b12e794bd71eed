// Package otel builds the OpenTelemetry log and metric pipelines.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ErrNoLogOutput is returned when telemetry is enabled with nowhere to send logs.
var ErrNoLogOutput = errors.New("otel: enabled without a log writer or endpoint")

const defaultMetricInterval = time.Minute

type Config struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration

	// LogWriter receives exported log records as JSON.
	LogWriter io.Writer
	// Endpoint is an OTLP/HTTP collector. Empty skips it.
	Endpoint string
	Insecure bool

	// MetricWriter receives periodic metric snapshots. Nil leaves the
	// global meter provider untouched.
	MetricWriter   io.Writer
	MetricInterval time.Duration
}

// Provider owns the SDK providers built from a Config.
type Provider struct {
	enabled bool
	logs    *sdklog.LoggerProvider
	metrics *sdkmetric.MeterProvider
}

// New returns an inert Provider when cfg is disabled. With a metric writer
// the meter provider is installed globally, so every otel.Meter in the
// process starts recording.
func New(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	logs, err := newLogProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	p := &Provider{enabled: true, logs: logs}

	if cfg.MetricWriter != nil {
		if p.metrics, err = newMeterProvider(cfg, res); err != nil {
			_ = logs.Shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(p.metrics)
	}
	return p, nil
}

func newLogProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	batch := func(exp sdklog.Exporter) sdklog.LoggerProviderOption {
		return sdklog.WithProcessor(sdklog.NewBatchProcessor(exp, sdklog.WithExportTimeout(cfg.BatchTimeout)))
	}

	if cfg.LogWriter != nil {
		exp, err := stdoutlog.New(stdoutlog.WithWriter(cfg.LogWriter))
		if err != nil {
			return nil, fmt.Errorf("otel log file exporter: %w", err)
		}
		opts = append(opts, batch(exp))
	}
	if cfg.Endpoint != "" {
		httpOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlploghttp.WithInsecure())
		}
		exp, err := otlploghttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("otel otlp exporter: %w", err)
		}
		opts = append(opts, batch(exp))
	}

	if len(opts) == 1 {
		return nil, ErrNoLogOutput
	}
	return sdklog.NewLoggerProvider(opts...), nil
}

func newMeterProvider(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.MetricWriter))
	if err != nil {
		return nil, fmt.Errorf("otel metric exporter: %w", err)
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

// LoggerProvider feeds the otelslog bridge. Nil when disabled.
func (p *Provider) LoggerProvider() *sdklog.LoggerProvider { return p.logs }

func (p *Provider) Meter(name string) metric.Meter { return otel.Meter(name) }

func (p *Provider) Enabled() bool { return p.enabled }

// Flush exports everything buffered so far.
func (p *Provider) Flush(ctx context.Context) error {
	var errs []error
	if p.logs != nil {
		errs = append(errs, wrap("log flush", p.logs.ForceFlush(ctx)))
	}
	if p.metrics != nil {
		errs = append(errs, wrap("metric flush", p.metrics.ForceFlush(ctx)))
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops both pipelines, metrics first.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.metrics != nil {
		errs = append(errs, wrap("metric shutdown", p.metrics.Shutdown(ctx)))
	}
	if p.logs != nil {
		errs = append(errs, wrap("log shutdown", p.logs.Shutdown(ctx)))
	}
	return errors.Join(errs...)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
