// Copyright (c) 2023 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/z5labs/staticd/response"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type acceptFunc func() (net.Conn, error)

func (f acceptFunc) Accept() (net.Conn, error) {
	return f()
}

func (acceptFunc) Close() error { return nil }

func (acceptFunc) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

// startRuntime runs rt on an OS assigned loopback port and returns the
// address it listens on and a func which stops it and returns the result
// of Run.
func startRuntime(t *testing.T, rt *Runtime) (string, func() error) {
	t.Helper()

	addrCh := make(chan string, 1)
	listen := rt.listen
	rt.listen = func(network, addr string) (net.Listener, error) {
		ls, err := listen(network, "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		addrCh <- ls.Addr().String()
		return ls, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Run(ctx)
	}()

	select {
	case addr := <-addrCh:
		return addr, func() error {
			cancel()
			select {
			case err := <-errCh:
				return err
			case <-time.After(10 * time.Second):
				return errors.New("runtime did not stop")
			}
		}
	case err := <-errCh:
		cancel()
		t.Fatalf("runtime failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("runtime did not start listening")
	}
	return "", nil
}

func roundTrip(addr, req string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(conn, req)
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(conn)
	return string(b), err
}

func inFlight(rt *Runtime) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.inFlight)
}

func TestRuntime_Run(t *testing.T) {
	t.Run("will return a ListenError", func(t *testing.T) {
		t.Run("if it fails to listen", func(t *testing.T) {
			listenErr := errors.New("address in use")
			rt := NewRuntime(memStore(t, nil), ListenOnPort(8080))
			rt.listen = func(network, addr string) (net.Listener, error) {
				return nil, listenErr
			}

			err := rt.Run(context.Background())

			var lerr ListenError
			if !assert.ErrorAs(t, err, &lerr) {
				return
			}
			if !assert.Equal(t, "127.0.0.1:8080", lerr.Addr) {
				return
			}
			if !assert.ErrorIs(t, err, listenErr) {
				return
			}
		})
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the listener is closed by someone else", func(t *testing.T) {
			rt := NewRuntime(memStore(t, nil))
			rt.listen = func(network, addr string) (net.Listener, error) {
				return acceptFunc(func() (net.Conn, error) {
					return nil, net.ErrClosed
				}), nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := rt.Run(ctx)
			if !assert.ErrorIs(t, err, net.ErrClosed) {
				return
			}
		})
	})

	t.Run("will keep accepting", func(t *testing.T) {
		t.Run("if accepting a connection fails transiently", func(t *testing.T) {
			var calls atomic.Int32
			block := make(chan struct{})
			rt := NewRuntime(memStore(t, nil))
			rt.listen = func(network, addr string) (net.Listener, error) {
				return acceptFunc(func() (net.Conn, error) {
					if calls.Add(1) <= 3 {
						return nil, errors.New("too many open files")
					}
					<-block
					return nil, net.ErrClosed
				}), nil
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- rt.Run(ctx)
			}()

			if !assert.Eventually(t, func() bool { return calls.Load() >= 4 }, 5*time.Second, 5*time.Millisecond) {
				return
			}

			cancel()
			close(block)

			select {
			case err := <-errCh:
				if !assert.Nil(t, err) {
					return
				}
			case <-time.After(5 * time.Second):
				t.Fatal("runtime did not stop")
			}
		})
	})

	t.Run("will not return an error", func(t *testing.T) {
		t.Run("if the context is cancelled", func(t *testing.T) {
			rt := NewRuntime(memStore(t, nil))
			addr, stop := startRuntime(t, rt)

			err := stop()
			if !assert.Nil(t, err) {
				return
			}

			_, err = net.DialTimeout("tcp", addr, time.Second)
			if !assert.Error(t, err) {
				return
			}
		})
	})

	t.Run("will serve every client", func(t *testing.T) {
		t.Run("if many clients request distinct files concurrently", func(t *testing.T) {
			files := make(map[string]string)
			for i := 0; i < 20; i++ {
				files[fmt.Sprintf("page-%d.txt", i)] = strings.Repeat(fmt.Sprintf("%d-", i), 1000+i)
			}
			rt := NewRuntime(memStore(t, files))
			addr, stop := startRuntime(t, rt)
			defer stop()

			var g errgroup.Group
			for name, content := range files {
				name, content := name, content
				g.Go(func() error {
					resp, err := roundTrip(addr, "GET /"+name+" HTTP/1.1\r\n\r\n")
					if err != nil {
						return err
					}
					if want := okResponse("text/plain", content); resp != want {
						return fmt.Errorf("unexpected response for %s", name)
					}
					return nil
				})
			}
			if !assert.Nil(t, g.Wait()) {
				return
			}
		})

		t.Run("if the file is missing", func(t *testing.T) {
			rt := NewRuntime(memStore(t, nil))
			addr, stop := startRuntime(t, rt)
			defer stop()

			resp, err := roundTrip(addr, "GET /nope HTTP/1.1\r\n\r\n")
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, response.NotFound, resp) {
				return
			}
		})
	})

	t.Run("will respond with the fixed 404", func(t *testing.T) {
		t.Run("if the request line exceeds the default maximum size", func(t *testing.T) {
			rec := &memRecorder{}
			rt := NewRuntime(memStore(t, map[string]string{"index.html": "home"}), Recorder(rec))
			addr, stop := startRuntime(t, rt)
			defer stop()

			req := "GET /" + strings.Repeat("a", 10*1024) + " HTTP/1.1\r\nHost: localhost\r\n\r\n"
			resp, err := roundTrip(addr, req)
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, response.NotFound, resp) {
				return
			}

			require.Eventually(t, func() bool { return inFlight(rt) == 0 }, 5*time.Second, 5*time.Millisecond)
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if !assert.Equal(t, []accessEntry{{path: "", status: 404}}, rec.entries) {
				return
			}
		})
	})

	t.Run("will close the connection without a response", func(t *testing.T) {
		t.Run("if the client disconnects without sending anything", func(t *testing.T) {
			rec := &memRecorder{}
			rt := NewRuntime(memStore(t, map[string]string{"index.html": "home"}), Recorder(rec))
			addr, stop := startRuntime(t, rt)
			defer stop()

			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			require.NoError(t, conn.(*net.TCPConn).CloseWrite())

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			b, err := io.ReadAll(conn)
			conn.Close()
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Empty(t, b) {
				return
			}
		})
	})

	t.Run("will hold connections beyond the limit", func(t *testing.T) {
		t.Run("if MaxConcurrentConns is reached", func(t *testing.T) {
			rt := NewRuntime(
				memStore(t, map[string]string{"index.html": "home"}),
				MaxConcurrentConns(1),
			)
			addr, stop := startRuntime(t, rt)
			defer stop()

			first, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer first.Close()
			require.Eventually(t, func() bool { return inFlight(rt) == 1 }, 5*time.Second, 5*time.Millisecond)

			second, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer second.Close()
			_, err = io.WriteString(second, "GET / HTTP/1.1\r\n\r\n")
			require.NoError(t, err)

			second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			_, err = second.Read(make([]byte, 1))
			var nerr net.Error
			if !assert.ErrorAs(t, err, &nerr) || !assert.True(t, nerr.Timeout()) {
				return
			}

			_, err = io.WriteString(first, "GET / HTTP/1.1\r\n\r\n")
			require.NoError(t, err)
			first.SetReadDeadline(time.Now().Add(5 * time.Second))
			b, err := io.ReadAll(first)
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, okResponse("text/html", "home"), string(b)) {
				return
			}

			second.SetReadDeadline(time.Now().Add(5 * time.Second))
			b, err = io.ReadAll(second)
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, okResponse("text/html", "home"), string(b)) {
				return
			}
		})
	})

	t.Run("will drain in-flight connections", func(t *testing.T) {
		t.Run("if they finish within the drain timeout", func(t *testing.T) {
			rt := NewRuntime(
				memStore(t, map[string]string{"index.html": "home"}),
				DrainTimeout(5*time.Second),
			)
			addr, stop := startRuntime(t, rt)

			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()
			require.Eventually(t, func() bool { return inFlight(rt) == 1 }, 5*time.Second, 5*time.Millisecond)

			var wg sync.WaitGroup
			wg.Add(1)
			var stopErr error
			go func() {
				defer wg.Done()
				stopErr = stop()
			}()

			// the listener closes but the accepted client is still served
			require.Eventually(t, func() bool {
				c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
				if err != nil {
					return true
				}
				c.Close()
				return false
			}, 5*time.Second, 10*time.Millisecond)

			_, err = io.WriteString(conn, "GET / HTTP/1.1\r\n\r\n")
			require.NoError(t, err)
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			b, err := io.ReadAll(conn)
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, okResponse("text/html", "home"), string(b)) {
				return
			}

			wg.Wait()
			if !assert.Nil(t, stopErr) {
				return
			}
		})

		t.Run("if they outlive the drain timeout they are aborted", func(t *testing.T) {
			rt := NewRuntime(
				memStore(t, map[string]string{"index.html": "home"}),
				DrainTimeout(100*time.Millisecond),
			)
			addr, stop := startRuntime(t, rt)

			conn, err := net.Dial("tcp", addr)
			require.NoError(t, err)
			defer conn.Close()
			require.Eventually(t, func() bool { return inFlight(rt) == 1 }, 5*time.Second, 5*time.Millisecond)

			start := time.Now()
			err = stop()
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Less(t, time.Since(start), 5*time.Second) {
				return
			}

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			b, _ := io.ReadAll(conn)
			if !assert.Empty(t, b) {
				return
			}
		})
	})
}
