package tracing

import (
    "context"
    "io"
    "sync/atomic"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
    "go.opentelemetry.io/otel/trace"

    "github.com/amirimatin/go-vr/pkg/process"
)

const tracerName = "go-vr"

var enabled atomic.Bool

// Setup configures a global tracer provider when enable=true, exporting
// spans as pretty JSON to stdout. It returns a shutdown function which
// should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
    return SetupWriter(enable, nil)
}

// SetupWriter is Setup with an explicit destination; nil means stdout.
func SetupWriter(enable bool, w io.Writer) (func(context.Context) error, error) {
    enabled.Store(enable)
    if !enable {
        return func(context.Context) error { return nil }, nil
    }
    opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
    if w != nil { opts = append(opts, stdouttrace.WithWriter(w)) }
    exp, err := stdouttrace.New(opts...)
    if err != nil {
        return nil, err
    }
    tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
    otel.SetTracerProvider(tp)
    return tp.Shutdown, nil
}

// StartSpan starts a tracing span if tracing is enabled.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
    if !enabled.Load() {
        return ctx, func() {}
    }
    ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
    return ctx, func() { span.End() }
}

// PidAttr tags a span with a replica pid.
func PidAttr(p process.Pid) attribute.KeyValue { return attribute.String("vr.pid", p.String()) }

// NamespaceAttr tags a span with a namespace name.
func NamespaceAttr(ns string) attribute.KeyValue { return attribute.String("vr.namespace", ns) }
