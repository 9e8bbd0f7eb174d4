// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package response frames the two responses staticd ever sends.
package response

import (
	"fmt"
	"io"
	"strconv"
)

// NotFound is the complete 404 response, status line through body.
const NotFound = "HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\n\r\nNot Found"

// Part identifies which write of a response failed.
type Part string

const (
	// PartHeader is the status line and headers, or the whole 404.
	PartHeader Part = "header"

	// PartBody is the file contents of a 200 response.
	PartBody Part = "body"
)

// WriteError is returned when writing part of a response fails.
type WriteError struct {
	Part  Part
	Cause error
}

// Error implements the error interface.
func (e WriteError) Error() string {
	return fmt.Sprintf("failed to write response %s: %s", e.Part, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e WriteError) Unwrap() error {
	return e.Cause
}

// Header returns the status line and headers of a 200 response for a body
// of n bytes, including the blank line which ends the header block.
func Header(contentType string, n int) []byte {
	b := make([]byte, 0, 64+len(contentType))
	b = append(b, "HTTP/1.1 200 OK\r\nContent-Type: "...)
	b = append(b, contentType...)
	b = append(b, "\r\nContent-Length: "...)
	b = strconv.AppendInt(b, int64(n), 10)
	b = append(b, "\r\n\r\n"...)
	return b
}

// WriteFile writes a 200 response. The header and body are written
// separately so the body is never copied. The body is not written if the
// header write fails.
func WriteFile(w io.Writer, contentType string, body []byte) error {
	_, err := w.Write(Header(contentType, len(body)))
	if err != nil {
		return WriteError{Part: PartHeader, Cause: err}
	}
	if len(body) == 0 {
		return nil
	}
	_, err = w.Write(body)
	if err != nil {
		return WriteError{Part: PartBody, Cause: err}
	}
	return nil
}

// WriteNotFound writes NotFound in a single write.
func WriteNotFound(w io.Writer) error {
	_, err := io.WriteString(w, NotFound)
	if err != nil {
		return WriteError{Part: PartHeader, Cause: err}
	}
	return nil
}
