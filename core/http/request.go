package http

import (
	"net/textproto"

	"golang.org/x/net/http/httpguts"
)

// Request is one parsed HTTP/1.x request. It is built by ParseRequest for
// every read cycle and not modified while the handler runs.
type Request struct {
	Method string
	// Target is the request-target exactly as it appeared on the request
	// line, query string included. Routing matches on it.
	Target string
	Path   string
	Proto  string

	ProtoMajor int
	ProtoMinor int

	// Predefined common header fields
	ContentType   string
	ContentLength string
	UserAgent     string
	Accept        string
	Host          string
	Connection    string

	// Extra headers, canonical keys
	ExtraHeaders map[string]string

	// Query parameters
	Query map[string]string

	// Request body
	Body []byte
}

// SetHeader sets a header (prioritizes predefined fields). Repeated headers
// are joined with ", ".
func (r *Request) SetHeader(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)

	var field *string
	switch key {
	case "Content-Type":
		field = &r.ContentType
	case "Content-Length":
		field = &r.ContentLength
	case "User-Agent":
		field = &r.UserAgent
	case "Accept":
		field = &r.Accept
	case "Host":
		field = &r.Host
	case "Connection":
		field = &r.Connection
	default:
		if r.ExtraHeaders == nil {
			r.ExtraHeaders = make(map[string]string)
		}
		if prev, ok := r.ExtraHeaders[key]; ok {
			value = prev + ", " + value
		}
		r.ExtraHeaders[key] = value
		return
	}

	if *field != "" {
		value = *field + ", " + value
	}
	*field = value
}

// Header returns a header value by name (case-insensitive)
func (r *Request) Header(key string) string {
	key = textproto.CanonicalMIMEHeaderKey(key)
	switch key {
	case "Content-Type":
		return r.ContentType
	case "Content-Length":
		return r.ContentLength
	case "User-Agent":
		return r.UserAgent
	case "Accept":
		return r.Accept
	case "Host":
		return r.Host
	case "Connection":
		return r.Connection
	}
	return r.ExtraHeaders[key]
}

// ProtoAtLeast reports whether the request version is at least major.minor
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major ||
		r.ProtoMajor == major && r.ProtoMinor >= minor
}

// KeepAlive reports whether the connection may be reused after the response.
// HTTP/1.1 is persistent unless the client sent "Connection: close";
// HTTP/1.0 only when it asked for "keep-alive".
func (r *Request) KeepAlive() bool {
	conn := []string{r.Connection}
	if r.ProtoAtLeast(1, 1) {
		return !httpguts.HeaderValuesContainsToken(conn, "close")
	}
	return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
}

// WantsChunked reports whether the client can decode a chunked body
func (r *Request) WantsChunked() bool {
	return r.ProtoAtLeast(1, 1)
}

// IsHead reports whether the response must omit its body
func (r *Request) IsHead() bool {
	return r.Method == "HEAD"
}
