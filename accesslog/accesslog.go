// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package accesslog records one timestamped line per request, plus a line
// at shutdown, in an append-only text file.
package accesslog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Recorder is the logging collaborator of the connection handler. Calls
// must be safe for concurrent use and must never block for long.
type Recorder interface {
	Request(path string, status int, remoteAddr string)
	Shutdown(reason string)
}

// Nop is a Recorder which drops every entry.
type Nop struct{}

// Request implements the Recorder interface.
func (Nop) Request(string, int, string) {}

// Shutdown implements the Recorder interface.
func (Nop) Shutdown(string) {}

// OpenError is returned when the log file cannot be opened.
type OpenError struct {
	Path  string
	Cause error
}

// Error implements the error interface.
func (e OpenError) Error() string {
	return fmt.Sprintf("failed to open access log %s: %s", e.Path, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e OpenError) Unwrap() error {
	return e.Cause
}

// Logger writes entries through a single zap core. The core serializes
// writes so concurrent handlers never interleave within a line.
type Logger struct {
	log *zap.Logger
	out io.Closer
}

type options struct {
	clock zapcore.Clock
}

// Option configures a Logger.
type Option func(*options)

// Clock overrides the source of entry timestamps.
func Clock(c zapcore.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Open opens, or creates, the file at path for appending.
func Open(path string, opts ...Option) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, OpenError{Path: path, Cause: err}
	}
	return New(f, opts...), nil
}

// New returns a Logger appending to w. If w implements io.Closer it is
// closed by Close.
func New(w io.Writer, opts ...Option) *Logger {
	o := &options{
		clock: zapcore.DefaultClock,
	}
	for _, opt := range opts {
		opt(o)
	}

	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "ts",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	})
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), zapcore.InfoLevel)

	l := &Logger{
		log: zap.New(core, zap.WithClock(o.clock)),
	}
	if c, ok := w.(io.Closer); ok {
		l.out = c
	}
	return l
}

// Request implements the Recorder interface.
func (l *Logger) Request(path string, status int, remoteAddr string) {
	l.log.Info(
		"request",
		zap.String("path", path),
		zap.Int("status", status),
		zap.String("remote", remoteAddr),
	)
}

// Shutdown implements the Recorder interface.
func (l *Logger) Shutdown(reason string) {
	l.log.Info("shutdown", zap.String("reason", reason))
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	err := l.log.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) {
		// fsync is not supported on every file type e.g. /dev/stdout
		err = nil
	}
	if l.out == nil {
		return err
	}
	return errors.Join(err, l.out.Close())
}
