// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Supported exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects and configures the span exporter.
type Config struct {
	Exporter    string
	ServiceName string

	// Target is the gRPC target of an OTLP collector.
	Target string

	// Out receives stdout exporter output. Defaults to os.Stdout.
	Out io.Writer
}

// UnknownExporterError is returned for an unsupported Config.Exporter.
type UnknownExporterError struct {
	Exporter string
}

// Error implements the error interface.
func (e UnknownExporterError) Error() string {
	return fmt.Sprintf("unknown trace exporter: %s", e.Exporter)
}

// Provider is a trace.TracerProvider which must be shut down to flush
// buffered spans.
type Provider interface {
	trace.TracerProvider

	Shutdown(context.Context) error
}

type noopProvider struct {
	noop.TracerProvider
}

func (noopProvider) Shutdown(context.Context) error { return nil }

type grpcProvider struct {
	*sdktrace.TracerProvider

	conn *grpc.ClientConn
}

func (p grpcProvider) Shutdown(ctx context.Context) error {
	err := p.TracerProvider.Shutdown(ctx)
	return errors.Join(err, p.conn.Close())
}

// New builds the Provider described by cfg.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return noopProvider{TracerProvider: noop.NewTracerProvider()}, nil
	case ExporterStdout:
		return newStdout(ctx, cfg)
	case ExporterOTLP:
		return newOTLP(ctx, cfg)
	default:
		return nil, UnknownExporterError{Exporter: cfg.Exporter}
	}
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	return resource.New(
		ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
}

func newStdout(ctx context.Context, cfg Config) (Provider, error) {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, nil
}

func newOTLP(ctx context.Context, cfg Config) (Provider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// insecure transport, the collector is expected to run as a local sidecar
	conn, err := grpc.DialContext(
		ctx,
		cfg.Target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	return grpcProvider{TracerProvider: tp, conn: conn}, nil
}

// Install registers p as the global tracer provider along with the W3C
// trace context and baggage propagators.
func Install(p Provider) {
	otel.SetTracerProvider(p)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}
