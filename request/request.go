// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package request reads and tokenizes the request line sent by a client.
package request

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// InitialBufferSize is the size of the first read issued on a connection.
const InitialBufferSize = 1024

var (
	// ErrClientClosed is returned if the client closed the connection
	// before sending a single byte.
	ErrClientClosed = errors.New("request: client closed connection")

	// ErrLineTooLong is returned if no line terminator was seen within
	// the configured maximum.
	ErrLineTooLong = errors.New("request: request line too long")
)

// ReadError wraps a failed read from the client connection.
type ReadError struct {
	Cause error
}

// Error implements the error interface.
func (e ReadError) Error() string {
	return fmt.Sprintf("failed to read request: %s", e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e ReadError) Unwrap() error {
	return e.Cause
}

// Request is the part of an HTTP request staticd cares about. Either field
// may be empty if the client sent a malformed request line.
type Request struct {
	Method string
	Path   string
}

// ReadLine reads from r until a '\n' is seen, r reaches EOF or maxBytes
// have been buffered. The buffer starts at InitialBufferSize and doubles as
// needed. Bytes following the terminator in the same read are discarded.
//
// If r reaches EOF after some bytes were read, those bytes are returned
// without an error.
func ReadLine(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = InitialBufferSize
	}
	buf := make([]byte, 0, min(InitialBufferSize, maxBytes))
	for {
		if len(buf) == cap(buf) {
			if cap(buf) >= maxBytes {
				return buf, ErrLineTooLong
			}
			grown := make([]byte, len(buf), min(2*cap(buf), maxBytes))
			copy(grown, buf)
			buf = grown
		}

		start := len(buf)
		n, err := r.Read(buf[start:cap(buf)])
		buf = buf[:start+n]
		if i := bytes.IndexByte(buf[start:], '\n'); i >= 0 {
			return buf[:start+i+1], nil
		}
		if errors.Is(err, io.EOF) {
			if len(buf) == 0 {
				return nil, ErrClientClosed
			}
			return buf, nil
		}
		if err != nil {
			return buf, ReadError{Cause: err}
		}
	}
}

// Parse tokenizes the first line of b. Only the first two whitespace
// separated tokens are kept; the protocol version, headers and body are
// ignored.
func Parse(b []byte) Request {
	line := string(b)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	var req Request
	fields := strings.Fields(line)
	if len(fields) > 0 {
		req.Method = fields[0]
	}
	if len(fields) > 1 {
		req.Path = fields[1]
	}
	return req
}

// Read is ReadLine followed by Parse. On ErrLineTooLong the returned
// Request is empty.
func Read(r io.Reader, maxBytes int) (Request, error) {
	line, err := ReadLine(r, maxBytes)
	if err != nil {
		return Request{}, err
	}
	return Parse(line), nil
}
