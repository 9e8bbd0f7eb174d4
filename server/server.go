// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package server provides the static file server runtime: a TCP accept
// loop which serves every admitted connection from its own goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/z5labs/staticd/accesslog"
	"github.com/z5labs/staticd/internal/logging"
	"github.com/z5labs/staticd/request"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// FileStore provides the documents served to clients.
type FileStore interface {
	Read(name string) ([]byte, error)
}

type runtimeOptions struct {
	host            string
	port            uint
	logHandler      slog.Handler
	recorder        accesslog.Recorder
	maxConns        uint
	maxRequestBytes int
	readTimeout     time.Duration
	writeTimeout    time.Duration
	drainTimeout    time.Duration
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeOptions)

// ListenOnHost sets the address the listener binds to.
//
// Default host is 127.0.0.1.
func ListenOnHost(host string) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.host = host
	}
}

// ListenOnPort sets the TCP port. Port 0 asks the OS for a free port.
func ListenOnPort(port uint) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.port = port
	}
}

// LogHandler sets the handler for operational logs.
func LogHandler(h slog.Handler) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.logHandler = h
	}
}

// Recorder sets the access log every request is recorded to.
func Recorder(r accesslog.Recorder) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.recorder = r
	}
}

// MaxConcurrentConns bounds the number of connections being served at
// once. Further connections wait in the accept loop, and behind them in
// the kernel's backlog, until a slot frees up.
//
// Default of 0 means no bound.
func MaxConcurrentConns(n uint) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.maxConns = n
	}
}

// MaxRequestBytes bounds how much is buffered while waiting for the end of
// the request line.
//
// Default is 8192.
func MaxRequestBytes(n int) RuntimeOption {
	return func(ro *runtimeOptions) {
		if n <= 0 {
			return
		}
		ro.maxRequestBytes = n
	}
}

// ReadTimeout bounds how long a client has to send its request line.
//
// Default of 0 means no timeout.
func ReadTimeout(d time.Duration) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.readTimeout = d
	}
}

// WriteTimeout bounds how long writing a response may take.
//
// Default of 0 means no timeout.
func WriteTimeout(d time.Duration) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.writeTimeout = d
	}
}

// DrainTimeout is how long in-flight connections are given to finish once
// the listener is closed. Connections still open afterwards have their
// pending reads and writes failed.
//
// Default is 5 seconds.
func DrainTimeout(d time.Duration) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.drainTimeout = d
	}
}

// ListenError is returned by Run if the listening socket could not be
// created.
type ListenError struct {
	Addr  string
	Cause error
}

// Error implements the error interface.
func (e ListenError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %s", e.Addr, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e ListenError) Unwrap() error {
	return e.Cause
}

// Runtime serves files from a FileStore over raw TCP connections.
type Runtime struct {
	addr   string
	listen func(string, string) (net.Listener, error)

	log   *slog.Logger
	rec   accesslog.Recorder
	store FileStore

	gate            *semaphore.Weighted
	maxRequestBytes int
	readTimeout     time.Duration
	writeTimeout    time.Duration
	drainTimeout    time.Duration

	mu       sync.Mutex
	inFlight map[net.Conn]struct{}
	aborted  bool
	wg       sync.WaitGroup
}

// NewRuntime returns a Runtime serving files from store.
func NewRuntime(store FileStore, opts ...RuntimeOption) *Runtime {
	ro := &runtimeOptions{
		host:            "127.0.0.1",
		logHandler:      logging.Noop{},
		recorder:        accesslog.Nop{},
		maxRequestBytes: 8 * request.InitialBufferSize,
		drainTimeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(ro)
	}

	rt := &Runtime{
		addr:            net.JoinHostPort(ro.host, strconv.FormatUint(uint64(ro.port), 10)),
		listen:          net.Listen,
		log:             slog.New(ro.logHandler),
		rec:             ro.recorder,
		store:           store,
		maxRequestBytes: ro.maxRequestBytes,
		readTimeout:     ro.readTimeout,
		writeTimeout:    ro.writeTimeout,
		drainTimeout:    ro.drainTimeout,
		inFlight:        make(map[net.Conn]struct{}),
	}
	if ro.maxConns > 0 {
		rt.gate = semaphore.NewWeighted(int64(ro.maxConns))
	}
	return rt
}

// Run listens for connections until ctx is cancelled, then closes the
// listener and drains in-flight connections. A cancelled ctx is not an
// error.
func (rt *Runtime) Run(ctx context.Context) error {
	ls, err := rt.listen("tcp4", rt.addr)
	if err != nil {
		rt.log.ErrorContext(ctx, "failed to listen for connections", logging.Error(err))
		return ListenError{Addr: rt.addr, Cause: err}
	}
	rt.log.InfoContext(ctx, "server started listening", logging.Addr("addr", ls.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()

		rt.log.InfoContext(ctx, "closing listener")
		err := ls.Close()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return rt.acceptLoop(gctx, ls)
	})

	err = g.Wait()
	rt.drain(ctx)
	if err != nil {
		rt.log.ErrorContext(ctx, "server encountered unexpected error", logging.Error(err))
		return err
	}
	rt.log.InfoContext(ctx, "server stopped")
	return nil
}

func (rt *Runtime) acceptLoop(ctx context.Context, ls net.Listener) error {
	// handlers must outlive shutdown so they can drain
	connCtx := context.WithoutCancel(ctx)

	var backoff time.Duration
	for {
		conn, err := ls.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			backoff = nextBackoff(backoff)
			rt.log.ErrorContext(
				ctx,
				"failed to accept connection",
				logging.Error(err),
				logging.Duration("retry_in", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		rt.log.InfoContext(ctx, "incoming connection", logging.Addr("remote", conn.RemoteAddr()))
		if rt.gate != nil {
			err = rt.gate.Acquire(ctx, 1)
			if err != nil {
				conn.Close()
				return nil
			}
		}

		rt.track(conn)
		go rt.serve(connCtx, conn)
	}
}

// nextBackoff doubles from 5ms up to 1s between failing accepts.
func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		return time.Second
	}
	return d
}

func (rt *Runtime) serve(ctx context.Context, conn net.Conn) {
	defer rt.wg.Done()
	defer rt.untrack(conn)
	if rt.gate != nil {
		defer rt.gate.Release(1)
	}

	rt.handleConn(ctx, conn)
}

func (rt *Runtime) track(conn net.Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.inFlight[conn] = struct{}{}
	rt.wg.Add(1)
}

func (rt *Runtime) untrack(conn net.Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.inFlight, conn)
}

// drain must only be called once the accept loop has returned.
func (rt *Runtime) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.wg.Wait()
	}()

	timer := time.NewTimer(rt.drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	rt.mu.Lock()
	rt.aborted = true
	n := len(rt.inFlight)
	for conn := range rt.inFlight {
		// fails any blocked read or write, the handler still owns the close
		conn.SetDeadline(time.Now())
	}
	rt.mu.Unlock()

	rt.log.WarnContext(
		ctx,
		"drain timeout exceeded, aborting in-flight connections",
		slog.Int("connections", n),
		logging.Duration("drain_timeout", rt.drainTimeout),
	)
	<-done
}
