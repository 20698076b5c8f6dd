package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/searchktools/chunk-server/core/http"
	"github.com/searchktools/chunk-server/core/logsink"
	"github.com/searchktools/chunk-server/core/metrics"
	"github.com/searchktools/chunk-server/core/poller"
	"github.com/searchktools/chunk-server/core/pools"
	"github.com/searchktools/chunk-server/core/reactor"
	"github.com/searchktools/chunk-server/core/router"
)

// Options configures a Server
type Options struct {
	Host string
	Port int

	// Reactors is the number of event loops, 0 = one per CPU
	Reactors          int
	WorkersPerReactor int
	QueueSize         int

	// DevMode sets SO_REUSEADDR so the port can be rebound right after a
	// restart
	DevMode bool

	ServerName   string
	CacheControl string
	NotFoundBody string

	ChunkSize      int
	ReadBufferSize int
	MaxHeaderBytes int

	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxAcceptRate limits accepted connections per second, 0 = unlimited
	MaxAcceptRate float64
	AcceptBurst   int
}

func (o *Options) applyDefaults() {
	if o.WorkersPerReactor <= 0 {
		o.WorkersPerReactor = 1
	}
	if o.ServerName == "" {
		o.ServerName = http.DefaultServerName
	}
	if o.CacheControl == "" {
		o.CacheControl = http.DefaultCacheControl
	}
	if o.NotFoundBody == "" {
		o.NotFoundBody = DefaultNotFoundBody
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = http.DefaultMaxHeaderBytes
	}
	if o.AcceptBurst <= 0 {
		o.AcceptBurst = 1
	}
}

// listener is the listening socket and the poller watching it
type listener struct {
	ln     net.Listener
	file   *os.File
	fd     int
	poller poller.Poller
}

func (l *listener) close() error {
	l.poller.Remove(l.fd)
	l.poller.Close()
	l.file.Close()
	return l.ln.Close()
}

// Server accepts connections on one listening socket and hands each to a
// Session on the next reactor, round-robin.
type Server struct {
	opts    Options
	routes  *router.Table
	log     *logsink.Logger
	metrics metrics.ServerMetrics
	bytes   *pools.BytePool
	pool    *reactor.Pool
	limiter *rate.Limiter

	// lnMu guards lst, which Listen publishes while other goroutines may
	// already call Addr or Stop
	lnMu      sync.Mutex
	lst       *listener
	closeOnce sync.Once
	accept    func(fd int) (int, unix.Sockaddr, error)

	ctx        context.Context
	cancel     context.CancelFunc
	stopping   atomic.Bool
	serving    atomic.Bool
	acceptDone chan struct{}
	stopOnce   sync.Once
	stopErr    error

	accepted atomic.Uint64
	connMu   sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewServer creates a server dispatching to routes. The reactors start
// immediately; the socket is opened by Listen.
func NewServer(opts Options, routes *router.Table, log *logsink.Logger, m metrics.ServerMetrics) *Server {
	opts.applyDefaults()
	if m == nil {
		m = metrics.NewNoop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:       opts,
		routes:     routes,
		log:        log,
		metrics:    m,
		bytes:      pools.NewBytePool(),
		pool:       reactor.NewPool(opts.Reactors, opts.WorkersPerReactor, opts.QueueSize),
		accept:     unix.Accept,
		ctx:        ctx,
		cancel:     cancel,
		acceptDone: make(chan struct{}),
		sessions:   make(map[uuid.UUID]*Session),
	}

	if opts.MaxAcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxAcceptRate), opts.AcceptBurst)
	}

	return s
}

// Listen opens the listening socket and registers it with the poller
func (s *Server) Listen() error {
	if s.stopping.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	lc := net.ListenConfig{Control: s.controlListener}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("listen %s: not a TCP listener", addr)
	}

	lnFile, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return fmt.Errorf("listener fd: %w", err)
	}
	lfd := int(lnFile.Fd())

	if err := poller.SetNonblock(lfd); err != nil {
		lnFile.Close()
		ln.Close()
		return fmt.Errorf("listener nonblock: %w", err)
	}

	p, err := poller.NewPoller()
	if err != nil {
		lnFile.Close()
		ln.Close()
		return fmt.Errorf("create poller: %w", err)
	}
	if err := p.Add(lfd); err != nil {
		p.Close()
		lnFile.Close()
		ln.Close()
		return fmt.Errorf("register listener: %w", err)
	}

	l := &listener{ln: ln, file: lnFile, fd: lfd, poller: p}

	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	// Stop sets stopping before it takes lnMu to close the listener, so a
	// listener published here is either closed by Stop or never published.
	if s.stopping.Load() || s.lst != nil {
		l.close()
		if s.lst != nil {
			return errors.New("server already listening")
		}
		return ErrServerClosed
	}
	s.lst = l

	s.log.Info("Listening on %s with %d reactors", ln.Addr(), s.pool.Size())
	return nil
}

// controlListener runs on the socket before bind. SO_REUSEADDR is only set
// in dev mode; otherwise a restarted server waits out TIME_WAIT.
func (s *Server) controlListener(network, address string, c syscall.RawConn) error {
	reuse := 0
	if s.opts.DevMode {
		reuse = 1
	}

	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, reuse)
	}); err != nil {
		return err
	}
	return serr
}

// Addr returns the listening address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.lst == nil {
		return nil
	}
	return s.lst.ln.Addr()
}

// Run listens and serves until Stop
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop. It returns ErrServerClosed after Stop.
func (s *Server) Serve() error {
	s.lnMu.Lock()
	l := s.lst
	s.lnMu.Unlock()
	if l == nil {
		return ErrNotListening
	}
	if !s.serving.CompareAndSwap(false, true) {
		return errors.New("server already serving")
	}
	defer close(s.acceptDone)
	defer s.closeListener()

	for {
		if s.stopping.Load() {
			return ErrServerClosed
		}

		// Wake up regularly to notice Stop
		fds, err := l.poller.Wait(DefaultAcceptTick)
		if err != nil {
			s.log.Error("Poller wait error: %v", err)
			s.backoff()
			continue
		}

		for _, fd := range fds {
			if fd != l.fd {
				continue
			}
			if err := s.acceptConnections(l.fd); err != nil {
				// The socket stays readable, so retrying at once would spin
				// (EMFILE, ENFILE, ENOBUFS)
				s.log.Error("Accept error: %v", err)
				s.backoff()
			}
		}
	}
}

// backoff pauses the accept loop for one tick, or until Stop
func (s *Server) backoff() {
	t := time.NewTimer(time.Duration(DefaultAcceptTick) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
}

// acceptConnections accepts every pending connection. It returns the error
// that stopped it, other than running out of pending connections.
func (s *Server) acceptConnections(lfd int) error {
	for {
		if s.stopping.Load() {
			return nil
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return nil
			}
		}

		nfd, _, err := s.accept(lfd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return nil
			case unix.EINTR, unix.ECONNABORTED:
				continue
			}
			return err
		}
		unix.CloseOnExec(nfd)

		conn, err := s.newConn(nfd)
		if err != nil {
			s.log.Warn("Accepted socket setup failed: %v", err)
			continue
		}

		s.startSession(conn)
	}
}

// newConn turns an accepted descriptor into a net.Conn managed by the Go
// netpoller
func (s *Server) newConn(nfd int) (net.Conn, error) {
	// TCP_NODELAY: Disable Nagle's algorithm
	if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		s.log.Debug("TCP_NODELAY on fd %d: %v", nfd, err)
	}
	// SO_KEEPALIVE: Enable TCP keepalive
	if err := unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		s.log.Debug("SO_KEEPALIVE on fd %d: %v", nfd, err)
	}

	f := os.NewFile(uintptr(nfd), "tcp-conn")
	conn, err := net.FileConn(f)
	// FileConn duplicates the descriptor
	f.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// startSession binds conn to the next reactor and posts its Start there
func (s *Server) startSession(conn net.Conn) {
	r := s.pool.Next()
	sess := newSession(s, conn, r)

	s.accepted.Add(1)
	s.track(sess)
	s.metrics.RecordConnectionAccepted(r.ID())
	sess.log.Debug("Accepted %s on reactor %d", conn.RemoteAddr(), r.ID())

	if !r.Post(sess.Start) {
		sess.destroy()
	}
}

func (s *Server) track(sess *Session) {
	s.connMu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.connMu.Unlock()

	s.metrics.SetActiveConnections(n)
}

func (s *Server) untrack(sess *Session) {
	s.connMu.Lock()
	delete(s.sessions, sess.id)
	n := len(s.sessions)
	s.connMu.Unlock()

	s.metrics.SetActiveConnections(n)
}

// ActiveConnections returns the number of open sessions
func (s *Server) ActiveConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.sessions)
}

// Routes returns the route table the server dispatches to
func (s *Server) Routes() *router.Table {
	return s.routes
}

func (s *Server) closeListener() {
	s.closeOnce.Do(func() {
		s.lnMu.Lock()
		l := s.lst
		s.lnMu.Unlock()
		if l == nil {
			return
		}
		if err := l.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("Closing listener: %v", err)
		}
	})
}

// Stop closes the listening socket and halts every reactor once its pending
// operations drain. Idle keep-alive connections are woken so they close.
// If ctx expires first the remaining connections are force-closed and
// ctx.Err() is returned.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.cancel()

		if s.serving.Load() {
			<-s.acceptDone
		} else {
			s.closeListener()
		}

		s.wakeIdle()
		s.pool.Stop()

		halted := make(chan struct{})
		go func() {
			s.pool.Wait()
			close(halted)
		}()

		select {
		case <-halted:
			s.log.Info("Server stopped")
		case <-ctx.Done():
			n := s.forceClose()
			s.log.Warn("Shutdown timeout: force-closed %d connections", n)
			<-halted
			s.stopErr = ctx.Err()
		}
	})
	return s.stopErr
}

// wakeIdle interrupts sessions blocked reading the next request
func (s *Server) wakeIdle() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	now := time.Now()
	for _, sess := range s.sessions {
		if sess.State() == StateReading {
			sess.conn.SetReadDeadline(now)
		}
	}
}

func (s *Server) forceClose() int {
	s.connMu.Lock()
	conns := make([]net.Conn, 0, len(s.sessions))
	for _, sess := range s.sessions {
		conns = append(conns, sess.conn)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.Close()
		s.metrics.RecordConnectionForceClosed()
	}
	return len(conns)
}
