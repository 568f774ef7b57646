package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/matheus3301/chatlink/internal/config"
	"github.com/matheus3301/chatlink/internal/profile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// provideTracer installs the global tracer provider used by the STOMP
// dialer and the REST client. With tracing off spans are recorded but
// discarded.
func provideTracer(p Params, cfg *config.Config, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	var w io.Writer = io.Discard
	var file *os.File
	if cfg.Tracing {
		path := filepath.Join(profile.LogDir(p.ProfileName), "traces.jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		w, file = f, f
		logger.Info("tracing enabled", zap.String("path", path))
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	if file != nil {
		tp.RegisterSpanProcessor(closeOnShutdown{file})
	}
	otel.SetTracerProvider(tp)
	return tp, nil
}

// closeOnShutdown closes the trace file after the batcher has flushed.
type closeOnShutdown struct{ f *os.File }

func (closeOnShutdown) OnStart(context.Context, sdktrace.ReadWriteSpan) {}
func (closeOnShutdown) OnEnd(sdktrace.ReadOnlySpan)                     {}
func (closeOnShutdown) ForceFlush(context.Context) error                { return nil }
func (c closeOnShutdown) Shutdown(context.Context) error                { return c.f.Close() }
