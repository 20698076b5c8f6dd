package logsink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the sink capacity used when none is configured
const DefaultQueueSize = 4096

// Errors returned by Write
var (
	ErrClosed    = errors.New("logsink: sink closed")
	ErrQueueFull = errors.New("logsink: queue full, message dropped")
)

// Sink serializes diagnostic lines from any number of goroutines onto a
// single writer. Producers enqueue into a bounded FIFO ring and return
// immediately; one consumer goroutine drains the ring and performs all I/O.
//
// Producers never wait for the writer. When the ring is full the message is
// dropped and counted, and the consumer reports the number of lost lines
// once it catches up. Size the queue for the expected burst.
type Sink struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	// ring buffer
	buf   []string
	head  int
	count int

	// dropped since the consumer last reported
	pendingDrops uint64
	dropped      atomic.Uint64

	terminate bool
	out       *bufio.Writer
	done      chan struct{}
	writeErr  error
}

// NewSink creates a sink writing to out and starts its consumer
func NewSink(out io.Writer, capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}

	s := &Sink{
		buf:  make([]string, capacity),
		out:  bufio.NewWriterSize(out, 32*1024),
		done: make(chan struct{}),
	}
	s.notEmpty = sync.NewCond(&s.mu)

	go s.consume()

	return s
}

// Write enqueues one message. It returns ErrQueueFull without waiting when
// the ring is full.
func (s *Sink) Write(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminate {
		return ErrClosed
	}
	if s.count == len(s.buf) {
		s.pendingDrops++
		s.dropped.Add(1)
		return ErrQueueFull
	}

	s.buf[(s.head+s.count)%len(s.buf)] = msg
	s.count++
	s.notEmpty.Signal()

	return nil
}

// Dropped returns the number of messages lost to a full queue
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Len returns the number of queued, not yet written messages
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// consume is the single consumer loop. It exits once terminate is set and
// the queue is empty, so every message enqueued before Close is written.
func (s *Sink) consume() {
	defer close(s.done)

	batch := make([]string, 0, 64)
	for {
		s.mu.Lock()
		for s.count == 0 && !s.terminate {
			s.notEmpty.Wait()
		}
		if s.count == 0 && s.terminate {
			s.mu.Unlock()
			return
		}

		// Take everything queued in one go, keeping FIFO order
		batch = batch[:0]
		for s.count > 0 {
			batch = append(batch, s.buf[s.head])
			s.buf[s.head] = ""
			s.head = (s.head + 1) % len(s.buf)
			s.count--
		}
		drops := s.pendingDrops
		s.pendingDrops = 0
		s.mu.Unlock()

		if drops > 0 {
			batch = append(batch, fmt.Sprintf("[logsink] %d messages dropped, queue full", drops))
		}
		s.writeBatch(batch)
	}
}

func (s *Sink) writeBatch(batch []string) {
	for _, msg := range batch {
		s.out.WriteString(msg)
		if len(msg) == 0 || msg[len(msg)-1] != '\n' {
			s.out.WriteByte('\n')
		}
	}
	if err := s.out.Flush(); err != nil && s.writeErr == nil {
		// Nowhere left to report it; keep the first failure for Close.
		s.writeErr = err
	}
}

// Close stops accepting messages, waits until everything already queued has
// been written and returns the first write error seen by the consumer.
func (s *Sink) Close() error {
	s.mu.Lock()
	if !s.terminate {
		s.terminate = true
		s.notEmpty.Broadcast()
	}
	s.mu.Unlock()

	<-s.done
	return s.writeErr
}
