package core

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/searchktools/chunk-server/core/http"
	"github.com/searchktools/chunk-server/core/logsink"
	"github.com/searchktools/chunk-server/core/metrics"
	"github.com/searchktools/chunk-server/core/reactor"
)

// State is the life-cycle state of a Session
type State int32

// Connection states
const (
	StateNew State = iota
	StateReading
	StateDispatching
	StateWriting
	StateClosing
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateNew:
		return "new"
	case StateReading:
		return "reading"
	case StateDispatching:
		return "dispatching"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one accepted connection and runs its request/response cycle.
//
// Blocking reads and writes run through the reactor's Go and complete as
// callbacks on that reactor. Every callback holds mu, so session and
// transfer state is only touched by one goroutine at a time. refs counts
// the operations in flight plus the callback currently running; the
// session is destroyed when it drops to zero.
type Session struct {
	id      uuid.UUID
	conn    net.Conn
	server  *Server
	reactor *reactor.Reactor
	log     *logsink.Logger

	mu    sync.Mutex
	refs  atomic.Int32
	state atomic.Int32

	// Owned by the read operation while one is in flight
	readBuf  []byte
	readLen  int
	readReq  *http.Request
	readSize int

	req        *http.Request
	reqStart   time.Time
	keepAlive  bool
	responded  bool
	responding int
	closing    bool
	broken     bool

	transfers      map[uint64]*fileTransfer
	nextTransferID uint64

	// wmu keeps every frame whole on the wire
	wmu sync.Mutex
}

func newSession(s *Server, conn net.Conn, r *reactor.Reactor) *Session {
	id := uuid.New()
	return &Session{
		id:        id,
		conn:      conn,
		server:    s,
		reactor:   r,
		log:       s.log.With("[" + id.String()[:8] + "]"),
		readBuf:   s.bytes.Get(s.opts.ReadBufferSize),
		transfers: make(map[uint64]*fileTransfer),
	}
}

// ID returns the session id
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current life-cycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Start begins reading the first request. Only the first call has effect.
func (s *Session) Start() {
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateReading)) {
		s.log.Warn("Session already started")
		return
	}

	s.refs.Add(1)
	s.mu.Lock()
	s.doRead()
	s.mu.Unlock()
	s.release()
}

// async runs op off the reactor and done(err) back on it under the strand
func (s *Session) async(op func() error, done func(error)) {
	s.refs.Add(1)
	ok := s.reactor.Go(op, func(err error) {
		s.mu.Lock()
		done(err)
		s.mu.Unlock()
		s.release()
	})
	if !ok {
		// The caller holds a reference, so this cannot reach zero. The
		// caller also holds mu, so done can run right here.
		s.refs.Add(-1)
		s.broken = true
		s.closing = true
		done(errReactorStopped)
	}
}

func (s *Session) release() {
	if s.refs.Add(-1) == 0 {
		s.destroy()
	}
}

// doRead starts reading the next request. Called with mu held.
func (s *Session) doRead() {
	// The idle deadline must be set before the state is published, so a
	// concurrent Stop that sees Reading cannot have its wake-up overwritten.
	if d := s.server.opts.IdleTimeout; d > 0 {
		s.conn.SetReadDeadline(time.Now().Add(d))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
	s.setState(StateReading)

	if s.server.stopping.Load() {
		s.closing = true
		s.setState(StateClosing)
		return
	}

	s.async(s.readRequest, s.onRead)
}

// readRequest reads until one complete request is buffered. Bytes after it
// are kept for the next cycle.
func (s *Session) readRequest() error {
	s.readReq = nil
	s.readSize = 0

	for {
		if s.readLen > 0 {
			req, n, err := http.ParseRequest(s.readBuf[:s.readLen], s.server.opts.MaxHeaderBytes)
			if err == nil {
				copy(s.readBuf, s.readBuf[n:s.readLen])
				s.readLen -= n
				s.readReq = req
				s.readSize = n
				return nil
			}
			if !errors.Is(err, http.ErrIncomplete) {
				return err
			}
		}

		if s.readLen == len(s.readBuf) {
			s.growReadBuf()
		}

		n, err := s.conn.Read(s.readBuf[s.readLen:])
		s.readLen += n
		if n > 0 {
			s.server.metrics.RecordBytesTransferred(metrics.DirectionIn, int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) && s.readLen > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

func (s *Session) growReadBuf() {
	buf := s.server.bytes.Get(2 * len(s.readBuf))
	copy(buf, s.readBuf[:s.readLen])
	s.server.bytes.Put(s.readBuf)
	s.readBuf = buf
}

func (s *Session) onRead(err error) {
	if err != nil {
		switch {
		case errors.Is(err, http.ErrInvalidRequest), errors.Is(err, http.ErrHeaderTooLarge):
			s.log.Warn("Bad request: %v", err)
			s.reqStart = time.Now()
			s.keepAlive = false
			s.closing = true
			s.respond(400, "text/plain", http.StatusText(400))
			if s.responding == 0 {
				s.finishRequest()
			}
			return
		case errors.Is(err, io.EOF):
			s.log.Debug("Connection closed by peer")
		case isTimeout(err):
			s.log.Debug("Read deadline reached")
		default:
			s.logIOError("Error", err)
		}
		s.broken = true
		s.setState(StateClosing)
		return
	}

	req := s.readReq
	s.readReq = nil
	s.log.Info("%s %s %d incoming bytes", req.Method, req.Target, s.readSize)

	s.dispatch(req)
}

// dispatch runs the handler for req on the reactor
func (s *Session) dispatch(req *http.Request) {
	s.setState(StateDispatching)
	s.req = req
	s.reqStart = time.Now()
	s.keepAlive = req.KeepAlive()
	s.responded = false

	if err := s.route(req); err != nil {
		s.log.Error("Handler for %s panicked: %v", req.Target, err)
		s.closing = true
		if !s.responded {
			s.respond(500, "text/plain", http.StatusText(500))
		}
	}

	if !s.responded {
		s.log.Error("Handler for %s sent no response", req.Target)
		s.closing = true
		s.respond(500, "text/plain", http.StatusText(500))
	}

	if s.responding == 0 {
		s.finishRequest()
	}
}

func (s *Session) route(req *http.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	if !s.server.routes.Route(s, req) {
		s.respond(404, "text/html", s.server.opts.NotFoundBody)
	}
	return nil
}

// SendResponse writes a complete 200 response
func (s *Session) SendResponse(body, contentType string) {
	s.respond(200, contentType, body)
}

// SendBadRequest writes a complete 400 text/plain response
func (s *Session) SendBadRequest(message string) {
	s.respond(400, "text/plain", message)
}

// respond writes one complete response on the main channel
func (s *Session) respond(status int, contentType, body string) {
	s.responded = true
	if s.broken {
		return
	}
	if !s.keepAlive || s.server.stopping.Load() {
		s.closing = true
	}

	h := http.ResponseHeader{
		StatusCode:    status,
		Server:        s.server.opts.ServerName,
		ContentType:   contentType,
		CacheControl:  s.server.opts.CacheControl,
		ContentLength: int64(len(body)),
		Close:         s.closing,
	}
	frame := http.AppendResponseHeader(make([]byte, 0, 256+len(body)), &h)
	if !s.isHead() {
		frame = append(frame, body...)
	}

	s.log.Info("%d %s %d outgoing bytes", status, http.StatusText(status), len(body))
	s.server.metrics.RecordRequest(status, time.Since(s.reqStart))

	s.responding++
	s.setState(StateWriting)
	s.async(func() error {
		return s.writeFrame(frame)
	}, s.onResponseWritten)
}

func (s *Session) onResponseWritten(err error) {
	s.responding--
	if err != nil {
		s.logIOError("Error", err)
		s.broken = true
		s.closing = true
	}
	s.finishRequest()
}

// writeFrame writes one frame whole. It runs off the reactor.
func (s *Session) writeFrame(frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if d := s.server.opts.WriteTimeout; d > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(d))
	}
	n, err := s.conn.Write(frame)
	if n > 0 {
		s.server.metrics.RecordBytesTransferred(metrics.DirectionOut, int64(n))
	}
	return err
}

// finishRequest moves on once every response write of the current request
// has completed: back to Reading, or to Closing.
func (s *Session) finishRequest() {
	if s.responding > 0 {
		return
	}
	s.req = nil

	if s.closing || s.broken {
		if !s.broken {
			s.shutdownWrite()
		}
		s.setState(StateClosing)
		return
	}

	s.doRead()
}

func (s *Session) isHead() bool {
	return s.req != nil && s.req.IsHead()
}

func (s *Session) shutdownWrite() {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("Shutdown: %v", err)
		}
	}
}

// destroy releases everything the session owns. It runs once, when the
// last reference is gone.
func (s *Session) destroy() {
	s.mu.Lock()
	s.setState(StateClosed)
	for id, t := range s.transfers {
		s.releaseTransfer(t, errConnBroken)
		delete(s.transfers, id)
	}
	if s.readBuf != nil {
		s.server.bytes.Put(s.readBuf)
		s.readBuf = nil
	}
	s.mu.Unlock()

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("Close: %v", err)
	}

	s.server.untrack(s)
	s.server.metrics.RecordConnectionClosed()
	s.log.Debug("Session closed")
}

// logIOError reports a failed operation. Failures caused by our own
// shutdown are only logged at debug level.
func (s *Session) logIOError(what string, err error) {
	if errors.Is(err, errReactorStopped) || errors.Is(err, net.ErrClosed) || errors.Is(err, errConnBroken) {
		s.log.Debug("%s: %v", what, err)
		return
	}
	s.log.Error("%s: %v", what, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}
