// Package observability wires the process-wide slog logger. Local output is
// a text or JSON handler on stderr; when an OTLP endpoint is configured via
// the standard OTEL_EXPORTER_OTLP_* environment, records are additionally
// exported through the OpenTelemetry log bridge.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const scopeName = "github.com/fdverney/keyfob"

// Instrument installs the process-wide default logger. Format is "text",
// "json", or "otel" (OTLP record form printed to stdout, useful for
// inspecting what an exporter would ship).
func Instrument(level slog.Level, format string) error {
	local, err := localHandler(level, format)
	if err != nil {
		return err
	}

	handlers := []slog.Handler{local}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		otelHandler, err := exportHandler(level)
		if err != nil {
			return fmt.Errorf("setting up OTLP log export: %w", err)
		}
		handlers = append(handlers, otelHandler)
	}

	if len(handlers) == 1 {
		slog.SetDefault(slog.New(handlers[0]))
	} else {
		slog.SetDefault(slog.New(tee(handlers)))
	}
	return nil
}

func localHandler(level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(os.Stderr, opts), nil
	case "json":
		return slog.NewJSONHandler(os.Stderr, opts), nil
	case "otel":
		exporter, err := stdoutlog.New()
		if err != nil {
			return nil, err
		}
		processor := minsev.NewLogProcessor(sdklog.NewSimpleProcessor(exporter), severity(level))
		provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
		return otelslog.NewHandler(scopeName, otelslog.WithLoggerProvider(provider)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// exportHandler builds the OTLP exporting handler. Protocol selection
// follows OTEL_EXPORTER_OTLP_PROTOCOL (grpc or http/protobuf).
func exportHandler(level slog.Level) (slog.Handler, error) {
	ctx := context.Background()

	var exporter sdklog.Exporter
	var err error
	switch os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL") {
	case "grpc":
		exporter, err = otlploggrpc.New(ctx)
	default:
		exporter, err = otlploghttp.New(ctx)
	}
	if err != nil {
		return nil, err
	}

	return bridgeHandler(exporter, level), nil
}

// bridgeHandler assembles exporter → batch processor → severity filter →
// slog bridge.
func bridgeHandler(exporter sdklog.Exporter, level slog.Level) slog.Handler {
	processor := minsev.NewLogProcessor(
		sdklog.NewBatchProcessor(exporter),
		severity(level),
	)
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	return otelslog.NewHandler(scopeName, otelslog.WithLoggerProvider(provider))
}

func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// teeHandler fans records out to every wrapped handler.
type teeHandler []slog.Handler

func tee(handlers []slog.Handler) slog.Handler {
	return teeHandler(handlers)
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
