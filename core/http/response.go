package http

import "strconv"

const (
	// DefaultServerName is sent in the Server header when none is configured
	DefaultServerName = "chunkserver/1.0"
	// DefaultCacheControl is sent with every response
	DefaultCacheControl = "public, max-age=2592000"
)

// LastChunk terminates a chunked body
const LastChunk = "0\r\n\r\n"

// Responder is what a route handler answers through. A handler calls
// exactly one of its methods per request.
type Responder interface {
	// SendResponse writes a complete 200 response with body
	SendResponse(body, contentType string)
	// SendBadRequest writes a complete 400 text/plain response
	SendBadRequest(message string)
	// StreamFile streams the file at path as a chunked body. A file that
	// cannot be opened is answered with SendBadRequest("File not found").
	StreamFile(path, contentType string)
}

// ResponseHeader describes the status line and headers of one response
type ResponseHeader struct {
	StatusCode   int
	Server       string
	ContentType  string
	CacheControl string
	// ContentLength is omitted when negative or when Chunked is set
	ContentLength int64
	Chunked       bool
	Close         bool
}

// AppendResponseHeader appends the serialized header section, including the
// blank line that ends it.
func AppendResponseHeader(b []byte, h *ResponseHeader) []byte {
	b = append(b, "HTTP/1.1 "...)
	b = appendInt(b, h.StatusCode)
	b = append(b, ' ')
	b = append(b, StatusText(h.StatusCode)...)
	b = append(b, "\r\n"...)

	if h.Server != "" {
		b = appendHeader(b, "Server", h.Server)
	}
	if h.ContentType != "" {
		b = appendHeader(b, "Content-Type", h.ContentType)
	}
	if h.CacheControl != "" {
		b = appendHeader(b, "Cache-Control", h.CacheControl)
	}

	switch {
	case h.Chunked:
		b = appendHeader(b, "Transfer-Encoding", "chunked")
	case h.ContentLength >= 0:
		b = append(b, "Content-Length: "...)
		b = strconv.AppendInt(b, h.ContentLength, 10)
		b = append(b, "\r\n"...)
	}

	if h.Close {
		b = appendHeader(b, "Connection", "close")
	}

	return append(b, "\r\n"...)
}

// AppendChunk appends data framed as one chunk of a chunked body
func AppendChunk(b []byte, data []byte) []byte {
	b = strconv.AppendInt(b, int64(len(data)), 16)
	b = append(b, "\r\n"...)
	b = append(b, data...)
	return append(b, "\r\n"...)
}

func appendHeader(b []byte, key, value string) []byte {
	b = append(b, key...)
	b = append(b, ": "...)
	b = append(b, value...)
	return append(b, "\r\n"...)
}

// appendInt appends an integer to a byte slice
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	digits := 0
	for tmp := i; tmp > 0; tmp /= 10 {
		digits++
	}

	start := len(b)
	for j := 0; j < digits; j++ {
		b = append(b, '0')
	}

	// Fill digits from right to left
	for j := digits - 1; j >= 0; j-- {
		b[start+j] = byte('0' + i%10)
		i /= 10
	}

	return b
}

// StatusText returns the reason phrase for the status codes this server sends
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
