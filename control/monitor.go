// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package control watches the operator's control stream for shutdown
// commands.
package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/z5labs/staticd/accesslog"
	"github.com/z5labs/staticd/internal/logging"
)

// Commands which request a shutdown. Matching is exact and case-sensitive.
const (
	CommandExit = "exit"
	CommandQuit = "quit"
)

// ShutdownRequestedError is returned by Monitor.Run when the operator
// asked the server to stop. It is not a failure.
type ShutdownRequestedError struct {
	Command string
}

// Error implements the error interface.
func (e ShutdownRequestedError) Error() string {
	return fmt.Sprintf("shutdown requested by operator command: %s", e.Command)
}

type monitorOptions struct {
	logHandler slog.Handler
	recorder   accesslog.Recorder
}

// MonitorOption configures a Monitor.
type MonitorOption func(*monitorOptions)

// LogHandler sets the handler for operational logs.
func LogHandler(h slog.Handler) MonitorOption {
	return func(mo *monitorOptions) {
		mo.logHandler = h
	}
}

// Recorder sets where the shutdown event is recorded.
func Recorder(r accesslog.Recorder) MonitorOption {
	return func(mo *monitorOptions) {
		mo.recorder = r
	}
}

// Monitor reads lines from a control stream, usually stdin.
type Monitor struct {
	in  io.Reader
	log *slog.Logger
	rec accesslog.Recorder
}

// NewMonitor returns a Monitor reading from in.
func NewMonitor(in io.Reader, opts ...MonitorOption) *Monitor {
	mo := &monitorOptions{
		logHandler: logging.Noop{},
		recorder:   accesslog.Nop{},
	}
	for _, opt := range opts {
		opt(mo)
	}

	return &Monitor{
		in:  in,
		log: slog.New(mo.logHandler),
		rec: mo.recorder,
	}
}

// Run blocks until a shutdown command is read, the control stream ends or
// ctx is cancelled. Only a shutdown command produces a non-nil error, which
// is always a ShutdownRequestedError.
//
// Reads from the control stream cannot be interrupted, so the goroutine
// scanning it may outlive Run until the next line or EOF arrives.
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go m.scan(ctx, lines, scanErr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				m.log.WarnContext(ctx, "failed to read control input", logging.Error(err))
			}
			m.log.InfoContext(ctx, "control input closed, operator commands disabled")
			return nil
		case line := <-lines:
			if line != CommandExit && line != CommandQuit {
				continue
			}
			m.log.InfoContext(ctx, "shutdown requested", slog.String("command", line))
			m.rec.Shutdown(line)
			return ShutdownRequestedError{Command: line}
		}
	}
}

func (m *Monitor) scan(ctx context.Context, lines chan<- string, scanErr chan<- error) {
	scanner := bufio.NewScanner(m.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case lines <- scanner.Text():
		}
	}
	scanErr <- scanner.Err()
}
