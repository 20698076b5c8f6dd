package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/chunk-server/core/http"
	"github.com/searchktools/chunk-server/core/logsink"
	"github.com/searchktools/chunk-server/core/metrics"
	"github.com/searchktools/chunk-server/core/router"
)

// fakeConn feeds a fixed input to the session and records every Write as
// one frame. Once the input is used up, Read returns readErr, or blocks
// until Close when readErr is nil.
type fakeConn struct {
	mu          sync.Mutex
	in          []byte
	readErr     error
	frames      [][]byte
	writes      int
	failWriteAt int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(input string) *fakeConn {
	return &fakeConn{in: []byte(input), readErr: io.EOF, closed: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.in) > 0 {
		n := copy(p, c.in)
		c.in = c.in[n:]
		c.mu.Unlock()
		return n, nil
	}
	err := c.readErr
	c.mu.Unlock()

	if err != nil {
		return 0, err
	}
	<-c.closed
	return 0, net.ErrClosed
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes++
	if c.failWriteAt == c.writes {
		return 0, errors.New("write: broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080} }
func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f)
	}
	return out
}

func (c *fakeConn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// recordingMetrics remembers which reactor each connection went to
type recordingMetrics struct {
	metrics.ServerMetrics

	mu       sync.Mutex
	reactors []int
}

func (m *recordingMetrics) RecordConnectionAccepted(reactor int) {
	m.mu.Lock()
	m.reactors = append(m.reactors, reactor)
	m.mu.Unlock()
}

func (m *recordingMetrics) Reactors() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.reactors...)
}

// durationMetrics remembers the duration recorded for each status code
type durationMetrics struct {
	metrics.ServerMetrics

	mu        sync.Mutex
	durations map[int][]time.Duration
}

func newDurationMetrics() *durationMetrics {
	return &durationMetrics{ServerMetrics: metrics.NewNoop(), durations: map[int][]time.Duration{}}
}

func (m *durationMetrics) RecordRequest(status int, d time.Duration) {
	m.mu.Lock()
	m.durations[status] = append(m.durations[status], d)
	m.mu.Unlock()
}

func (m *durationMetrics) Durations(status int) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.durations[status]...)
}

type testServer struct {
	*Server
	sink *logsink.Sink
	out  *bytes.Buffer
}

func newTestServer(t *testing.T, opts Options, routes *router.Table, m metrics.ServerMetrics) *testServer {
	t.Helper()

	if opts.Reactors == 0 {
		opts.Reactors = 2
	}
	out := &bytes.Buffer{}
	sink := logsink.NewSink(out, 0)
	srv := NewServer(opts, routes, logsink.NewLogger(sink, logsink.LevelDebug), m)

	ts := &testServer{Server: srv, sink: sink, out: out}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		sink.Close()
	})
	return ts
}

// Logs stops the server and returns everything it logged
func (ts *testServer) Logs(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.Stop(ctx))
	require.NoError(t, ts.sink.Close())
	return ts.out.String()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testRoutes(files map[string]string) *router.Table {
	table := router.NewTable()
	table.Add("/about", func(w http.Responder, req *http.Request) {
		w.SendResponse("About page", "text/plain")
	})
	for target, path := range files {
		path := path
		table.Add(target, func(w http.Responder, req *http.Request) {
			w.StreamFile(path, "text/html")
		})
	}
	return table
}

// splitChunk parses one chunk frame into its declared size and data
func splitChunk(t *testing.T, frame string) (int, string) {
	t.Helper()
	sizeLine, rest, ok := strings.Cut(frame, "\r\n")
	require.True(t, ok, "chunk frame without size line: %q", frame)
	size, err := strconv.ParseInt(sizeLine, 16, 64)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(rest, "\r\n"), "chunk frame without trailing CRLF")
	data := strings.TrimSuffix(rest, "\r\n")
	require.Len(t, data, int(size))
	return int(size), data
}

func TestSessionSendResponse(t *testing.T) {
	ts := newTestServer(t, Options{}, testRoutes(nil), nil)
	conn := newFakeConn("GET /about HTTP/1.1\r\nHost: localhost\r\n\r\n")

	ts.startSession(conn)
	conn.waitClosed(t)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n"+
		"Server: chunkserver/1.0\r\n"+
		"Content-Type: text/plain\r\n"+
		"Cache-Control: public, max-age=2592000\r\n"+
		"Content-Length: 10\r\n"+
		"\r\n"+
		"About page", frames[0])

	logs := ts.Logs(t)
	assert.Contains(t, logs, "GET /about 40 incoming bytes")
	assert.Contains(t, logs, "200 OK 10 outgoing bytes")
}

func TestSessionNotFound(t *testing.T) {
	ts := newTestServer(t, Options{}, testRoutes(nil), nil)
	conn := newFakeConn("GET /missing HTTP/1.1\r\n\r\n")

	ts.startSession(conn)
	conn.waitClosed(t)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.True(t, strings.HasPrefix(frames[0], "HTTP/1.1 404 Not Found\r\n"))
	assert.Contains(t, frames[0], "Content-Type: text/html\r\n")
	assert.True(t, strings.HasSuffix(frames[0], "\r\n\r\n"+DefaultNotFoundBody))
}

func TestSessionKeepAlivePipelined(t *testing.T) {
	ts := newTestServer(t, Options{}, testRoutes(nil), nil)
	conn := newFakeConn("GET /about HTTP/1.1\r\n\r\nGET /missing HTTP/1.1\r\n\r\nGET /about HTTP/1.1\r\nConnection: close\r\n\r\n")
	conn.readErr = nil

	ts.startSession(conn)
	conn.waitClosed(t)

	frames := conn.Frames()
	require.Len(t, frames, 3)
	assert.True(t, strings.HasPrefix(frames[0], "HTTP/1.1 200 OK"))
	assert.True(t, strings.HasPrefix(frames[1], "HTTP/1.1 404 Not Found"))
	assert.True(t, strings.HasPrefix(frames[2], "HTTP/1.1 200 OK"))
	assert.NotContains(t, frames[0], "Connection: close")
	assert.Contains(t, frames[2], "Connection: close\r\n")
}

func TestSessionStreamFileChunks(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	path := writeFile(t, "index.html", data)

	ts := newTestServer(t, Options{ChunkSize: 4096}, testRoutes(map[string]string{"/index.html": path}), nil)
	conn := newFakeConn("GET /index.html HTTP/1.1\r\n\r\n")

	ts.startSession(conn)
	conn.waitClosed(t)

	frames := conn.Frames()
	require.Len(t, frames, 5)

	header := frames[0]
	assert.True(t, strings.HasPrefix(header, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, header, "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, header, "Content-Type: text/html\r\n")
	assert.NotContains(t, header, "Content-Length")

	var body strings.Builder
	var sizes []int
	for _, f := range frames[1:4] {
		size, chunk := splitChunk(t, f)
		sizes = append(sizes, size)
		body.WriteString(chunk)
	}
	assert.Equal(t, []int{4096, 4096, 1808}, sizes)
	assert.Equal(t, string(data), body.String())
	assert.Equal(t, http.LastChunk, frames[4])
}

func TestSessionStreamFileChunkCount(t *testing.T) {
	const chunk = 512
	for _, size := range []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 3*chunk + 7} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			data := bytes.Repeat([]byte{'x'}, size)
			path := writeFile(t, "f.bin", data)

			ts := newTestServer(t, Options{ChunkSize: chunk}, testRoutes(map[string]string{"/f": path}), nil)
			conn := newFakeConn("GET /f HTTP/1.1\r\n\r\n")
			ts.startSession(conn)
			conn.waitClosed(t)

			frames := conn.Frames()
			want := (size + chunk - 1) / chunk
			require.Len(t, frames, 1+want+1)

			var body strings.Builder
			for _, f := range frames[1 : 1+want] {
				n, c := splitChunk(t, f)
				assert.LessOrEqual(t, n, chunk)
				assert.Greater(t, n, 0)
				body.WriteString(c)
			}
			assert.Equal(t, string(data), body.String())
			assert.Equal(t, http.LastChunk, frames[len(frames)-1])
		})
	}
}

func TestSessionStreamFileMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.html")
	var transfersAfter, nextID int
	table := router.NewTable()
	table.Add("/gone", func(w http.Responder, req *http.Request) {
		sess := w.(*Session)
		w.StreamFile(missing, "text/html")
		transfersAfter = len(sess.transfers)
		nextID = int(sess.nextTransferID)
	})

	ts := newTestServer(t, Options{}, table, nil)
	conn := newFakeConn("GET /gone HTTP/1.1\r\n\r\n")
	ts.startSession(conn)
	conn.waitClosed(t)

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.True(t, strings.HasPrefix(frames[0], "HTTP/1.1 400 Bad Request\r\n"))
	assert.Contains(t, frames[0], "Content-Type: text/plain\r\n")
	assert.True(t, strings.HasSuffix(frames[0], "\r\n\r\nFile not found"))

	assert.Equal(t, 0, transfersAfter)
	assert.Equal(t, 1, nextID)

	assert.Contains(t, ts.Logs(t), "File not found: ")
}

func TestSessionConcurrentTransfers(t *testing.T) {
	pathA := writeFile(t, "a.txt", bytes.Repeat([]byte{'A'}, 10000))
	pathB := writeFile(t, "b.txt", bytes.Repeat([]byte{'B'}, 9000))

	table := router.NewTable()
	table.Add("/both", func(w http.Responder, req *http.Request) {
		w.StreamFile(pathA, "text/plain")
		w.StreamFile(pathB, "text/plain")
	})

	ts := newTestServer(t, Options{ChunkSize: 4096, WorkersPerReactor: 4}, table, nil)
	conn := newFakeConn("GET /both HTTP/1.1\r\n\r\n")
	ts.startSession(conn)
	conn.waitClosed(t)

	var headers, terminators int
	sizes := map[byte][]int{}
	total := map[byte]int{}
	for _, f := range conn.Frames() {
		switch {
		case strings.HasPrefix(f, "HTTP/1.1 "):
			headers++
		case f == http.LastChunk:
			terminators++
		default:
			n, data := splitChunk(t, f)
			letter := data[0]
			// A frame never mixes bytes of two transfers
			assert.Equal(t, strings.Repeat(string(letter), n), data)
			sizes[letter] = append(sizes[letter], n)
			total[letter] += n
		}
	}

	assert.Equal(t, 2, headers)
	assert.Equal(t, 2, terminators)
	assert.Equal(t, []int{4096, 4096, 1808}, sizes['A'])
	assert.Equal(t, []int{4096, 4096, 808}, sizes['B'])
	assert.Equal(t, 10000, total['A'])
	assert.Equal(t, 9000, total['B'])
}

func TestSessionTransferFailureSparesSibling(t *testing.T) {
	pathA := writeFile(t, "a.txt", bytes.Repeat([]byte{'A'}, 10000))
	pathB := writeFile(t, "b.txt", bytes.Repeat([]byte{'B'}, 9000))

	table := router.NewTable()
	table.Add("/both", func(w http.Responder, req *http.Request) {
		w.StreamFile(pathA, "text/plain")
		w.StreamFile(pathB, "text/plain")
	})
	want := map[byte]int{'A': 10000, 'B': 9000}

	// Each transfer writes a header, three chunks and a terminator. The
	// earliest a terminator can go out is the fifth write.
	tests := []struct {
		failWriteAt int
		dataLost    bool
	}{
		{failWriteAt: 3, dataLost: true},
		{failWriteAt: 4, dataLost: true},
		{failWriteAt: 5},
		{failWriteAt: 6},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("write %d fails", tt.failWriteAt), func(t *testing.T) {
			ts := newTestServer(t, Options{ChunkSize: 4096, WorkersPerReactor: 4}, table, nil)
			conn := newFakeConn("GET /both HTTP/1.1\r\n\r\n")
			conn.readErr = nil
			conn.failWriteAt = tt.failWriteAt

			ts.startSession(conn)
			conn.waitClosed(t)

			var terminators int
			total := map[byte]int{}
			for _, f := range conn.Frames() {
				switch {
				case strings.HasPrefix(f, "HTTP/1.1 "):
				case f == http.LastChunk:
					terminators++
				default:
					n, data := splitChunk(t, f)
					assert.Equal(t, strings.Repeat(string(data[0]), n), data)
					total[data[0]] += n
				}
			}

			// Only the failed transfer loses its terminator
			assert.Equal(t, 1, terminators)

			complete := 0
			for letter, size := range want {
				if total[letter] == size {
					complete++
				} else {
					assert.Less(t, total[letter], size)
				}
			}
			if tt.dataLost {
				assert.Equal(t, 1, complete)
			} else {
				assert.GreaterOrEqual(t, complete, 1)
			}

			require.Eventually(t, func() bool { return ts.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
			assert.Contains(t, ts.Logs(t), "Error ")
		})
	}
}

func TestSessionHTTP10StreamIsCloseDelimited(t *testing.T) {
	data := bytes.Repeat([]byte{'z'}, 5000)
	path := writeFile(t, "z.bin", data)

	ts := newTestServer(t, Options{ChunkSize: 4096}, testRoutes(map[string]string{"/z": path}), nil)
	conn := newFakeConn("GET /z HTTP/1.0\r\n\r\n")
	conn.readErr = nil
	ts.startSession(conn)
	conn.waitClosed(t)

	frames := conn.Frames()
	require.Len(t, frames, 3)
	assert.NotContains(t, frames[0], "Transfer-Encoding")
	assert.NotContains(t, frames[0], "Content-Length")
	assert.Contains(t, frames[0], "Connection: close\r\n")
	assert.Equal(t, string(data), frames[1]+frames[2])
}

func TestSessionHeadStream(t *testing.T) {
	path := writeFile(t, "index.html", []byte("<h1>hello</h1>"))

	ts := newTestServer(t, Options{}, testRoutes(map[string]string{"/": path}), nil)
	conn := newFakeConn("HEAD / HTTP/1.1\r\n\r\nHEAD /about HTTP/1.1\r\n\r\n")
	ts.startSession(conn)
	conn.waitClosed(t)

	frames := conn.Frames()
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], "Transfer-Encoding: chunked\r\n")
	assert.True(t, strings.HasSuffix(frames[0], "\r\n\r\n"))
	assert.Contains(t, frames[1], "Content-Length: 10\r\n")
	assert.True(t, strings.HasSuffix(frames[1], "\r\n\r\n"))
}

func TestSessionMalformedRequest(t *testing.T) {
	tests := map[string]struct {
		opts  Options
		input string
	}{
		"garbage":      {Options{}, "NONSENSE\r\n\r\n"},
		"bad version":  {Options{}, "GET / HTTP/9.9\r\n\r\n"},
		"huge headers": {Options{MaxHeaderBytes: 64}, "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 256) + "\r\n\r\n"},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(t, tt.opts, testRoutes(nil), nil)
			conn := newFakeConn(tt.input)
			conn.readErr = nil
			ts.startSession(conn)
			conn.waitClosed(t)

			frames := conn.Frames()
			require.Len(t, frames, 1)
			assert.True(t, strings.HasPrefix(frames[0], "HTTP/1.1 400 Bad Request\r\n"))
			assert.Contains(t, frames[0], "Connection: close\r\n")
		})
	}
}

func TestSessionHandlerWithoutResponse(t *testing.T) {
	table := router.NewTable()
	table.Add("/silent", func(w http.Responder, req *http.Request) {})
	table.Add("/panic", func(w http.Responder, req *http.Request) { panic("boom") })

	for _, target := range []string{"/silent", "/panic"} {
		t.Run(target, func(t *testing.T) {
			ts := newTestServer(t, Options{}, table, nil)
			conn := newFakeConn(fmt.Sprintf("GET %s HTTP/1.1\r\n\r\n", target))
			conn.readErr = nil
			ts.startSession(conn)
			conn.waitClosed(t)

			frames := conn.Frames()
			require.Len(t, frames, 1)
			assert.True(t, strings.HasPrefix(frames[0], "HTTP/1.1 500 Internal Server Error\r\n"))
			assert.Contains(t, frames[0], "Connection: close\r\n")
		})
	}
}

func TestSessionReadFailureWritesNothing(t *testing.T) {
	ts := newTestServer(t, Options{}, testRoutes(nil), nil)

	for _, conn := range []*fakeConn{
		{readErr: errors.New("connection reset by peer"), closed: make(chan struct{})},
		{readErr: io.EOF, closed: make(chan struct{})},
		newFakeConn("GET /about HTTP/1.1\r\n"),
	} {
		ts.startSession(conn)
		conn.waitClosed(t)
		assert.Equal(t, 0, conn.Writes())
	}

	require.Eventually(t, func() bool { return ts.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSessionResponseWriteFailure(t *testing.T) {
	ts := newTestServer(t, Options{}, testRoutes(nil), nil)
	conn := newFakeConn("GET /about HTTP/1.1\r\n\r\nGET /about HTTP/1.1\r\n\r\n")
	conn.readErr = nil
	conn.failWriteAt = 1

	ts.startSession(conn)
	conn.waitClosed(t)

	// No retry and nothing else written after the failure
	assert.Equal(t, 1, conn.Writes())
	assert.Empty(t, conn.Frames())
}

func TestSessionTransferWriteFailure(t *testing.T) {
	path := writeFile(t, "big.bin", bytes.Repeat([]byte{'q'}, 10000))

	ts := newTestServer(t, Options{ChunkSize: 4096}, testRoutes(map[string]string{"/big": path}), nil)
	conn := newFakeConn("GET /big HTTP/1.1\r\n\r\n")
	conn.readErr = nil
	conn.failWriteAt = 3

	ts.startSession(conn)
	conn.waitClosed(t)

	frames := conn.Frames()
	require.Len(t, frames, 2)
	assert.True(t, strings.HasPrefix(frames[0], "HTTP/1.1 200 OK"))
	assert.Equal(t, 3, conn.Writes())

	assert.Contains(t, ts.Logs(t), "Error sending chunk")
}

func TestSessionStartOnce(t *testing.T) {
	ts := newTestServer(t, Options{Reactors: 1}, testRoutes(nil), nil)
	conn := newFakeConn("GET /about HTTP/1.1\r\n\r\n")
	conn.readErr = nil

	r := ts.pool.Next()
	sess := newSession(ts.Server, conn, r)
	ts.track(sess)
	require.True(t, r.Post(sess.Start))
	require.True(t, r.Post(sess.Start))

	require.Eventually(t, func() bool { return len(conn.Frames()) == 1 }, 5*time.Second, 10*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return sess.State() == StateClosed }, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, conn.Frames(), 1)
	assert.Contains(t, ts.Logs(t), "Session already started")
}

func TestAcceptRoundRobin(t *testing.T) {
	m := &recordingMetrics{ServerMetrics: metrics.NewNoop()}
	ts := newTestServer(t, Options{Reactors: 3}, testRoutes(nil), m)

	var conns []*fakeConn
	for i := 0; i < 7; i++ {
		conn := newFakeConn("")
		conn.readErr = nil
		ts.startSession(conn)
		conns = append(conns, conn)
	}

	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, m.Reactors())

	for _, c := range conns {
		c.Close()
	}
	require.Eventually(t, func() bool { return ts.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
}
