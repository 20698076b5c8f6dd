package http

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	ErrInvalidRequest = errors.New("invalid HTTP request")
	// ErrIncomplete means more bytes are needed before the request can be
	// parsed. It is not a protocol error.
	ErrIncomplete     = errors.New("incomplete HTTP request")
	ErrHeaderTooLarge = errors.New("HTTP request header too large")
)

// DefaultMaxHeaderBytes bounds the request line plus headers
const DefaultMaxHeaderBytes = 1 << 20

var (
	crlfcrlf = []byte("\r\n\r\n")
	lflf     = []byte("\n\n")
)

// ParseRequest parses one request from the front of data. It returns the
// request and the number of bytes it occupied, so pipelined bytes after it
// can be kept for the next cycle.
func ParseRequest(data []byte, maxHeaderBytes int) (*Request, int, error) {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}

	// Tolerate stray CRLFs between pipelined requests
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	msg := data[start:]

	headerEnd, sepLen := findHeaderEnd(msg)
	if headerEnd == -1 {
		if len(msg) > maxHeaderBytes {
			return nil, 0, ErrHeaderTooLarge
		}
		return nil, 0, ErrIncomplete
	}
	if headerEnd > maxHeaderBytes {
		return nil, 0, ErrHeaderTooLarge
	}

	head := msg[:headerEnd]
	lineEnd := bytes.IndexByte(head, '\n')
	if lineEnd == -1 {
		lineEnd = len(head)
	}

	req := &Request{}
	if err := parseRequestLine(req, trimCR(head[:lineEnd])); err != nil {
		return nil, 0, err
	}
	if lineEnd < len(head) {
		if err := parseHeaders(req, head[lineEnd+1:]); err != nil {
			return nil, 0, err
		}
	}

	// Chunked request bodies are not supported
	if _, ok := req.ExtraHeaders["Transfer-Encoding"]; ok {
		return nil, 0, ErrInvalidRequest
	}

	consumed := start + headerEnd + sepLen
	if req.ContentLength != "" {
		n, err := strconv.ParseInt(req.ContentLength, 10, 64)
		if err != nil || n < 0 {
			return nil, 0, ErrInvalidRequest
		}
		if int64(len(data)-consumed) < n {
			return nil, 0, ErrIncomplete
		}
		if n > 0 {
			req.Body = append([]byte(nil), data[consumed:consumed+int(n)]...)
			consumed += int(n)
		}
	}

	return req, consumed, nil
}

// findHeaderEnd returns the offset of the blank line ending the header
// section and the length of the separator, or -1.
func findHeaderEnd(data []byte) (int, int) {
	crlf := bytes.Index(data, crlfcrlf)
	lf := bytes.Index(data, lflf)
	switch {
	case crlf == -1 && lf == -1:
		return -1, 0
	case lf == -1 || (crlf != -1 && crlf < lf):
		return crlf, len(crlfcrlf)
	default:
		return lf, len(lflf)
	}
}

// parseRequestLine parses METHOD TARGET PROTO
func parseRequestLine(req *Request, line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrInvalidRequest
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrInvalidRequest
	}
	sp2 += sp1 + 1

	method := string(line[:sp1])
	if !httpguts.ValidHeaderFieldName(method) {
		return ErrInvalidRequest
	}

	target := string(line[sp1+1 : sp2])
	if target == "" || strings.ContainsAny(target, " \t") {
		return ErrInvalidRequest
	}

	proto := string(line[sp2+1:])
	major, minor, ok := parseHTTPVersion(proto)
	if !ok {
		return ErrInvalidRequest
	}

	req.Method = method
	req.Target = target
	req.Proto = proto
	req.ProtoMajor = major
	req.ProtoMinor = minor

	req.Path = target
	if idx := strings.IndexByte(target, '?'); idx != -1 {
		req.Path = target[:idx]
		req.Query = parseQuery(target[idx+1:])
	}

	return nil
}

// parseHTTPVersion accepts HTTP/1.0 and HTTP/1.1
func parseHTTPVersion(proto string) (int, int, bool) {
	switch proto {
	case "HTTP/1.1":
		return 1, 1, true
	case "HTTP/1.0":
		return 1, 0, true
	}
	return 0, 0, false
}

// parseHeaders parses HTTP headers
func parseHeaders(req *Request, data []byte) error {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}
		line := trimCR(data[:lineEnd])

		if len(line) > 0 {
			// obs-fold is rejected
			if line[0] == ' ' || line[0] == '\t' {
				return ErrInvalidRequest
			}

			colon := bytes.IndexByte(line, ':')
			if colon <= 0 {
				return ErrInvalidRequest
			}
			key := string(line[:colon])
			value := string(bytes.TrimSpace(line[colon+1:]))
			if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
				return ErrInvalidRequest
			}
			req.SetHeader(key, value)
		}

		if lineEnd == len(data) {
			break
		}
		data = data[lineEnd+1:]
	}
	return nil
}

// parseQuery parses query parameters. Values are kept as sent.
func parseQuery(raw string) map[string]string {
	query := make(map[string]string)
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		query[k] = v
	}
	return query
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
