package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// osStdout is the console destination, swapped in tests.
var osStdout io.Writer = os.Stdout

// SlogManager owns the application logger and the OTel log provider
// behind it, if any.
type SlogManager struct {
	logger   *slog.Logger
	provider *sdklog.LoggerProvider
}

func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// Option adds an output or decoration to Setup.
type Option func(*outputs)

type outputs struct {
	console bool
	graylog io.Writer
	context ContextProvider
}

// WithConsole keeps console output even when a file is configured.
func WithConsole() Option {
	return func(o *outputs) { o.console = true }
}

// WithGraylog sends JSON records to w, normally a GELF writer.
func WithGraylog(w io.Writer) Option {
	return func(o *outputs) { o.graylog = w }
}

// WithContext injects attributes from p into every record.
func WithContext(p ContextProvider) Option {
	return func(o *outputs) { o.context = p }
}

// parseLevel accepts slog level names in any case. Anything else is info.
func parseLevel(name string) slog.Level {
	var lvl slog.Level
	if name == "" || lvl.UnmarshalText([]byte(name)) != nil {
		return slog.LevelInfo
	}
	return lvl
}

// utcTime renders record timestamps as RFC 3339 UTC.
func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.TimeKey {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
	}
	return a
}

// Setup replaces the logger. Text records go to file, or to the console
// when file is nil. A non-nil provider adds the OTel bridge.
func (m *SlogManager) Setup(file io.Writer, level string, provider *sdklog.LoggerProvider, opts ...Option) {
	var out outputs
	for _, opt := range opts {
		opt(&out)
	}

	ho := &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: utcTime}

	var fan MultiHandler
	if file == nil || out.console {
		fan = append(fan, slog.NewTextHandler(osStdout, ho))
	}
	if file != nil {
		fan = append(fan, slog.NewTextHandler(file, ho))
	}
	if out.graylog != nil {
		fan = append(fan, slog.NewJSONHandler(out.graylog, ho))
	}
	if provider != nil {
		fan = append(fan, otelslog.NewHandler("livemap", otelslog.WithLoggerProvider(provider)))
	}

	var root slog.Handler = fan
	if out.context != nil {
		root = NewContextHandler(root, out.context)
	}

	m.provider = provider
	m.logger = slog.New(root)
	m.logger.Info("Logging initialized", "level", level)
}

// Logger falls back to slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// Flush pushes buffered OTel records. It is a no-op without a provider.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.ForceFlush(ctx)
}
