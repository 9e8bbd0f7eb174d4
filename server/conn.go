// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/z5labs/staticd/filestore"
	"github.com/z5labs/staticd/internal/logging"
	"github.com/z5labs/staticd/internal/try"
	"github.com/z5labs/staticd/mimetype"
	"github.com/z5labs/staticd/request"
	"github.com/z5labs/staticd/response"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/z5labs/staticd/server"

// Bounds on how long and how much unread input is drained after rejecting
// a malformed request.
const (
	lingerTimeout  = time.Second
	maxLingerBytes = 64 << 10
)

// IndexName is served for an empty path or "/".
const IndexName = "index.html"

type resource struct {
	name string
	body []byte
}

// handleConn serves a single request and always closes conn before
// returning.
func (rt *Runtime) handleConn(ctx context.Context, conn net.Conn) {
	spanCtx, span := otel.Tracer(tracerName).Start(
		ctx,
		"handleConn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("net.peer.addr", remoteAddr(conn))),
	)
	defer span.End()
	defer func() {
		err := conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			rt.log.DebugContext(spanCtx, "failed to close connection", logging.Error(err))
		}
	}()

	err := rt.serveRequest(spanCtx, conn)
	if err == nil {
		return
	}
	if errors.Is(err, request.ErrClientClosed) {
		rt.log.DebugContext(spanCtx, "client disconnected without sending a request", logging.Addr("remote", conn.RemoteAddr()))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	rt.log.ErrorContext(
		spanCtx,
		"failed to serve connection",
		logging.Addr("remote", conn.RemoteAddr()),
		logging.Error(err),
	)
}

func (rt *Runtime) serveRequest(ctx context.Context, conn net.Conn) (err error) {
	defer try.Recover(&err)

	span := trace.SpanFromContext(ctx)

	rt.setDeadline(conn.SetReadDeadline, rt.readTimeout)
	req, err := request.Read(conn, rt.maxRequestBytes)
	if errors.Is(err, request.ErrLineTooLong) {
		rt.log.WarnContext(ctx, "request line exceeded maximum size", logging.Addr("remote", conn.RemoteAddr()))
		return rt.rejectMalformed(ctx, conn)
	}
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.target", req.Path),
	)

	rt.setDeadline(conn.SetWriteDeadline, rt.writeTimeout)
	res, found := rt.resolve(ctx, req.Path)
	if !found {
		span.SetAttributes(attribute.Int("http.status_code", 404))
		rt.rec.Request(req.Path, 404, remoteAddr(conn))
		return response.WriteNotFound(conn)
	}

	span.SetAttributes(
		attribute.Int("http.status_code", 200),
		attribute.Int("http.response_content_length", len(res.body)),
	)
	rt.rec.Request(req.Path, 200, remoteAddr(conn))
	return response.WriteFile(conn, mimetype.FromName(res.name), res.body)
}

// rejectMalformed answers a request whose line could not be read in full.
// The rest of the client's input is discarded before returning so closing
// the connection does not reset it while the 404 is still in flight.
func (rt *Runtime) rejectMalformed(ctx context.Context, conn net.Conn) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int("http.status_code", 404))
	rt.rec.Request("", 404, remoteAddr(conn))

	rt.setDeadline(conn.SetWriteDeadline, rt.writeTimeout)
	err := response.WriteNotFound(conn)
	if err != nil {
		return err
	}

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	rt.setDeadline(conn.SetReadDeadline, lingerTimeout)
	io.Copy(io.Discard, io.LimitReader(conn, maxLingerBytes))
	return nil
}

// resolve maps a request path to a document: "" and "/" become IndexName,
// one leading "/" is dropped, and if no file has that exact name the same
// name with ".html" appended is tried.
func (rt *Runtime) resolve(ctx context.Context, path string) (resource, bool) {
	name := IndexName
	if path != "" && path != "/" {
		name = strings.TrimPrefix(path, "/")
	}

	for _, candidate := range []string{name, name + ".html"} {
		b, err := rt.store.Read(candidate)
		if err == nil {
			return resource{name: candidate, body: b}, true
		}
		if !errors.Is(err, filestore.ErrNotFound) {
			// still answered with a 404, only the log tells them apart
			rt.log.WarnContext(ctx, "failed to read file", logging.Error(err))
		}
	}
	return resource{}, false
}

func (rt *Runtime) setDeadline(set func(time.Time) error, d time.Duration) {
	if d <= 0 {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.aborted {
		return
	}
	set(time.Now().Add(d))
}

func remoteAddr(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}
