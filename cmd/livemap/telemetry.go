package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/batman-mesh/livemap/internal/config"
	"github.com/batman-mesh/livemap/internal/logging"
	intOtel "github.com/batman-mesh/livemap/internal/otel"
)

const flushTimeout = 5 * time.Second

// telemetry owns every log destination for one run.
type telemetry struct {
	Logger  *slog.Logger
	Infra   zerolog.Logger
	LogsDir string

	manager  *logging.SlogManager
	provider *intOtel.Provider
	closers  []io.Closer
}

// setupTelemetry opens the rotating log files, the optional Graylog and
// OTel outputs, and returns the configured loggers.
func setupTelemetry(mode string, lc config.LoggingConfig, oc config.OTelConfig) (*telemetry, error) {
	if err := os.MkdirAll(lc.LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	t := &telemetry{LogsDir: lc.LogsDir, manager: logging.NewSlogManager()}
	var warnings []string

	logFile := logging.NewRotatingFile(
		logging.LogFilePath(lc.LogsDir, "livemap", SessionStartTime), lc.MaxSizeMB, lc.MaxBackups)
	infraFile := logging.NewRotatingFile(
		logging.LogFilePath(lc.LogsDir, "livemap-infra", SessionStartTime), lc.MaxSizeMB, lc.MaxBackups)
	t.closers = append(t.closers, logFile, infraFile)

	opts := []logging.Option{
		logging.WithConsole(),
		logging.WithContext(logging.ModeProvider(mode)),
	}

	if lc.GraylogEnabled {
		gw, err := logging.NewGraylogWriter(lc.GraylogAddress)
		if err != nil {
			warnings = append(warnings, err.Error())
		} else {
			opts = append(opts, logging.WithGraylog(gw))
			t.closers = append(t.closers, gw)
		}
	}

	var otelLogProvider *sdklog.LoggerProvider
	if oc.Enabled {
		otelFile := logging.NewRotatingFile(
			logging.LogFilePath(lc.LogsDir, "livemap-otel", SessionStartTime), lc.MaxSizeMB, lc.MaxBackups)
		metricsFile := logging.NewRotatingFile(
			logging.LogFilePath(lc.LogsDir, "livemap-metrics", SessionStartTime), lc.MaxSizeMB, lc.MaxBackups)
		t.closers = append(t.closers, otelFile, metricsFile)

		provider, err := intOtel.New(intOtel.Config{
			Enabled:        true,
			ServiceName:    oc.ServiceName,
			BatchTimeout:   oc.BatchTimeout,
			LogWriter:      otelFile,
			MetricWriter:   metricsFile,
			MetricInterval: oc.MetricsInterval,
			Endpoint:       oc.Endpoint,
			Insecure:       oc.Insecure,
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("otel: %v", err))
		} else {
			t.provider = provider
			otelLogProvider = provider.LoggerProvider()
		}
	}

	t.manager.Setup(logFile, lc.Level, otelLogProvider, opts...)
	t.Logger = t.manager.Logger()
	t.Infra = logging.NewZerolog(infraFile, lc.Level)

	for _, w := range warnings {
		t.Logger.Warn("Telemetry output disabled", "reason", w)
	}
	t.Logger.Info("Logging to file", "path", logFile.Filename, "otel", t.provider != nil)
	return t, nil
}

// Close flushes OTel and closes every log file.
func (t *telemetry) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := t.manager.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "flush logs: %v\n", err)
	}
	if t.provider != nil {
		if err := t.provider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "otel shutdown: %v\n", err)
		}
	}
	for _, c := range t.closers {
		_ = c.Close()
	}
}
