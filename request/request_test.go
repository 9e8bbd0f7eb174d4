// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package request

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
)

type readFunc func([]byte) (int, error)

func (f readFunc) Read(b []byte) (int, error) {
	return f(b)
}

// chunks returns a reader which hands out each chunk in a separate Read
// and then reports io.EOF.
func chunks(cs ...string) io.Reader {
	return readFunc(func(b []byte) (int, error) {
		if len(cs) == 0 {
			return 0, io.EOF
		}
		n := copy(b, cs[0])
		cs[0] = cs[0][n:]
		if len(cs[0]) == 0 {
			cs = cs[1:]
		}
		return n, nil
	})
}

func TestReadLine(t *testing.T) {
	t.Run("will return the first line", func(t *testing.T) {
		t.Run("if it arrives in a single read", func(t *testing.T) {
			line, err := ReadLine(strings.NewReader("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), 8192)
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, "GET / HTTP/1.1\r\n", string(line)) {
				return
			}
		})

		t.Run("if it is split across several reads", func(t *testing.T) {
			line, err := ReadLine(chunks("GE", "T /ind", "ex.html HTTP/1.1", "\r\n"), 8192)
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, "GET /index.html HTTP/1.1\r\n", string(line)) {
				return
			}
		})

		t.Run("if it is longer than the initial buffer", func(t *testing.T) {
			path := "/" + strings.Repeat("a", 3*InitialBufferSize)
			r := iotest.OneByteReader(strings.NewReader("GET " + path + " HTTP/1.1\r\n"))

			line, err := ReadLine(r, 8*InitialBufferSize)
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, path, Parse(line).Path) {
				return
			}
		})

		t.Run("if the client closes before sending a terminator", func(t *testing.T) {
			line, err := ReadLine(chunks("GET /about"), 8192)
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, "GET /about", string(line)) {
				return
			}
		})
	})

	t.Run("will return ErrClientClosed", func(t *testing.T) {
		t.Run("if no bytes are sent before EOF", func(t *testing.T) {
			_, err := ReadLine(chunks(), 8192)
			if !assert.ErrorIs(t, err, ErrClientClosed) {
				return
			}
		})
	})

	t.Run("will return ErrLineTooLong", func(t *testing.T) {
		t.Run("if no terminator is seen within the maximum", func(t *testing.T) {
			r := strings.NewReader("GET /" + strings.Repeat("a", 100) + " HTTP/1.1\r\n")

			_, err := ReadLine(r, 32)
			if !assert.ErrorIs(t, err, ErrLineTooLong) {
				return
			}
		})
	})

	t.Run("will return a ReadError", func(t *testing.T) {
		t.Run("if the underlying read fails", func(t *testing.T) {
			readErr := errors.New("connection reset")
			r := readFunc(func(b []byte) (int, error) {
				return 0, readErr
			})

			_, err := ReadLine(r, 8192)

			var rerr ReadError
			if !assert.ErrorAs(t, err, &rerr) {
				return
			}
			if !assert.ErrorIs(t, err, readErr) {
				return
			}
		})
	})
}

func TestParse(t *testing.T) {
	testCases := []struct {
		Name string
		In   string
		Want Request
	}{
		{
			Name: "if the request line is complete",
			In:   "GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n",
			Want: Request{Method: "GET", Path: "/index.html"},
		},
		{
			Name: "if the method is not GET",
			In:   "POST /form HTTP/1.1\r\n\r\nname=value",
			Want: Request{Method: "POST", Path: "/form"},
		},
		{
			Name: "if the version is missing",
			In:   "GET /about\r\n",
			Want: Request{Method: "GET", Path: "/about"},
		},
		{
			Name: "if only the method is present",
			In:   "GET\r\n",
			Want: Request{Method: "GET"},
		},
		{
			Name: "if the line is empty",
			In:   "\r\n",
			Want: Request{},
		},
		{
			Name: "if the path is only on a later line",
			In:   "GET\r\n/index.html HTTP/1.1\r\n",
			Want: Request{Method: "GET"},
		},
	}

	for _, testCase := range testCases {
		t.Run("will return the first two tokens "+testCase.Name, func(t *testing.T) {
			assert.Equal(t, testCase.Want, Parse([]byte(testCase.In)))
		})
	}
}

func TestRead(t *testing.T) {
	t.Run("will return an empty request", func(t *testing.T) {
		t.Run("if the request line is too long", func(t *testing.T) {
			req, err := Read(strings.NewReader(strings.Repeat("x", 64)), 16)
			if !assert.ErrorIs(t, err, ErrLineTooLong) {
				return
			}
			if !assert.Equal(t, Request{}, req) {
				return
			}
		})
	})
}
