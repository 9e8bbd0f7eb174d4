// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Run("will return a provider which records nothing", func(t *testing.T) {
		t.Run("if no exporter is configured", func(t *testing.T) {
			p, err := New(context.Background(), Config{})
			if !assert.Nil(t, err) {
				return
			}

			_, span := p.Tracer("test").Start(context.Background(), "noop")
			span.End()
			if !assert.False(t, span.SpanContext().IsValid()) {
				return
			}
			if !assert.Nil(t, p.Shutdown(context.Background())) {
				return
			}
		})
	})

	t.Run("will export spans to the configured writer", func(t *testing.T) {
		t.Run("if the stdout exporter is configured", func(t *testing.T) {
			var buf bytes.Buffer
			p, err := New(context.Background(), Config{
				Exporter:    ExporterStdout,
				ServiceName: "staticd-test",
				Out:         &buf,
			})
			if !assert.Nil(t, err) {
				return
			}

			_, span := p.Tracer("test").Start(context.Background(), "handleConn")
			span.End()

			err = p.Shutdown(context.Background())
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Contains(t, buf.String(), "handleConn") {
				return
			}
			if !assert.Contains(t, buf.String(), "staticd-test") {
				return
			}
		})
	})

	t.Run("will not block on an unreachable collector", func(t *testing.T) {
		t.Run("if the otlp exporter is configured", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			p, err := New(ctx, Config{
				Exporter:    ExporterOTLP,
				ServiceName: "staticd-test",
				Target:      "127.0.0.1:1",
			})
			if !assert.Nil(t, err) {
				return
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			p.Shutdown(shutdownCtx)
		})
	})

	t.Run("will return an UnknownExporterError", func(t *testing.T) {
		t.Run("if the exporter is not supported", func(t *testing.T) {
			_, err := New(context.Background(), Config{Exporter: "zipkin"})

			var uerr UnknownExporterError
			if !assert.ErrorAs(t, err, &uerr) {
				return
			}
			if !assert.Equal(t, "zipkin", uerr.Exporter) {
				return
			}
		})
	})
}
