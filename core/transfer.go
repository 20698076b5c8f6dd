package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/searchktools/chunk-server/core/http"
)

// TransferState is the progress of one file transfer
type TransferState int

const (
	TransferHeaderSent TransferState = iota
	TransferStreaming
	TransferLastChunkSent
	TransferDone
)

// fileTransfer streams one file as a sequence of chunks. At most one chunk
// write is in flight per transfer.
type fileTransfer struct {
	id      uint64
	path    string
	file    *os.File
	buf     []byte
	frame   []byte
	chunked bool
	head    bool
	state   TransferState
	sent    int64
	chunks  int

	// owned by the running chunk operation
	n        int
	eof      bool
	readErr  error
	writeErr error
}

// StreamFile streams the file at path as a chunked 200 response. A file that
// cannot be opened is answered with SendBadRequest("File not found").
func (s *Session) StreamFile(path, contentType string) {
	s.responded = true
	if s.broken {
		return
	}

	id := s.nextTransferID
	s.nextTransferID++
	t := &fileTransfer{id: id, path: path}
	s.transfers[id] = t

	f, err := openRegular(path)
	if err != nil {
		s.log.Warn("File not found: %s", path)
		delete(s.transfers, id)
		s.SendBadRequest("File not found")
		return
	}

	t.file = f
	t.buf = s.server.bytes.Get(s.server.opts.ChunkSize)
	t.chunked = s.req == nil || s.req.WantsChunked()
	t.head = s.isHead()

	// Without chunked coding the end of the body is the end of the connection
	if !t.chunked || !s.keepAlive || s.server.stopping.Load() {
		s.closing = true
	}

	h := http.ResponseHeader{
		StatusCode:    200,
		Server:        s.server.opts.ServerName,
		ContentType:   contentType,
		CacheControl:  s.server.opts.CacheControl,
		ContentLength: -1,
		Chunked:       t.chunked,
		Close:         s.closing,
	}
	frame := http.AppendResponseHeader(nil, &h)

	s.log.Debug("Streaming %s as transfer %d", path, id)
	s.server.metrics.RecordRequest(200, time.Since(s.reqStart))
	s.server.metrics.RecordTransferStart()

	s.responding++
	s.setState(StateWriting)
	s.async(func() error {
		return s.writeFrame(frame)
	}, func(err error) {
		s.onHeaderWritten(t, err)
	})
}

func openRegular(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	return f, nil
}

func (s *Session) onHeaderWritten(t *fileTransfer, err error) {
	if err != nil {
		s.failTransfer(t, "Error writing header", err)
		return
	}
	if s.broken {
		s.failTransfer(t, "Error writing header", errConnBroken)
		return
	}

	t.state = TransferStreaming
	if t.head {
		s.completeTransfer(t, nil)
		return
	}
	s.streamNext(t)
}

// streamNext reads the next block of the file and writes it as one chunk.
// Both run off the reactor in a single operation.
func (s *Session) streamNext(t *fileTransfer) {
	s.async(func() error {
		s.readChunk(t)
		if t.readErr != nil || t.n == 0 {
			return nil
		}

		if t.chunked {
			t.frame = http.AppendChunk(t.frame[:0], t.buf[:t.n])
		} else {
			t.frame = append(t.frame[:0], t.buf[:t.n]...)
		}
		t.writeErr = s.writeFrame(t.frame)
		return t.writeErr
	}, func(error) {
		s.onChunkWritten(t)
	})
}

// readChunk fills the buffer. A short read means the file is exhausted.
func (s *Session) readChunk(t *fileTransfer) {
	t.n, t.readErr, t.writeErr = 0, nil, nil

	n, err := io.ReadFull(t.file, t.buf)
	t.n = n
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		t.eof = true
	default:
		t.readErr = err
	}
}

func (s *Session) onChunkWritten(t *fileTransfer) {
	switch {
	case t.readErr != nil:
		s.failTransfer(t, "Error reading file", t.readErr)
		return
	case t.writeErr != nil:
		s.failTransfer(t, "Error sending chunk", t.writeErr)
		return
	case s.broken:
		s.failTransfer(t, "Error sending chunk", errConnBroken)
		return
	}

	if t.n > 0 {
		t.sent += int64(t.n)
		t.chunks++
	}

	if t.eof {
		s.writeLastChunk(t)
		return
	}
	s.streamNext(t)
}

// writeLastChunk ends the body. Close-delimited bodies have no terminator.
func (s *Session) writeLastChunk(t *fileTransfer) {
	t.state = TransferLastChunkSent
	if !t.chunked {
		s.completeTransfer(t, nil)
		return
	}

	s.async(func() error {
		return s.writeFrame([]byte(http.LastChunk))
	}, func(err error) {
		if err != nil {
			s.logIOError("Error sending last chunk", err)
		}
		s.completeTransfer(t, err)
	})
}

func (s *Session) failTransfer(t *fileTransfer, what string, err error) {
	s.logIOError(what, err)
	s.completeTransfer(t, err)
}

// completeTransfer releases the transfer. A failed transfer leaves a
// truncated body behind, so the connection is not reused; other transfers
// carry on.
func (s *Session) completeTransfer(t *fileTransfer, err error) {
	delete(s.transfers, t.id)
	s.releaseTransfer(t, err)

	if err != nil {
		s.closing = true
	} else {
		s.log.Debug("Transfer %d done: %d bytes in %d chunks", t.id, t.sent, t.chunks)
	}

	s.responding--
	s.finishRequest()
}

// releaseTransfer closes the file and returns the buffer
func (s *Session) releaseTransfer(t *fileTransfer, err error) {
	if t.state == TransferDone {
		return
	}
	t.state = TransferDone

	if t.file != nil {
		if cerr := t.file.Close(); cerr != nil {
			s.log.Warn("Closing %s: %v", t.path, cerr)
		}
		t.file = nil
	}
	if t.buf != nil {
		s.server.bytes.Put(t.buf)
		t.buf = nil
	}
	s.server.metrics.RecordTransferEnd(err)
}
