package protocol

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrMalformedRequestLine = errors.New("malformed request line")
	ErrMalformedHeader      = errors.New("malformed header")
)

// Header is a single request header as received, order and case preserved.
type Header struct {
	Key   string
	Value string
}

// Request is a parsed wire request.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers []Header
	Body    string
}

// HeaderValue returns the first value for key, or "" if absent.
// Lookup is case-sensitive, matching how headers are stored.
func (r *Request) HeaderValue(key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return h.Value
		}
	}
	return ""
}

// ContentLength returns the declared body length, or -1 if absent/invalid.
func (r *Request) ContentLength() int {
	v := r.HeaderValue("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ParseRequest parses a raw request buffer into a Request. It is total: any
// input either produces a Request or a typed parse error, never a panic.
// An empty buffer parses as "GET /" with no headers and no body.
func ParseRequest(raw string) (*Request, error) {
	lines := strings.Split(raw, "\r\n")
	if lines[0] == "" {
		return &Request{Method: "GET", Path: "/", Version: "HTTP/1.1"}, nil
	}

	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 {
		return nil, ErrMalformedRequestLine
	}

	req := &Request{
		Method:  parts[0],
		Path:    parts[1],
		Version: parts[2],
	}

	i := 1
	for i < len(lines) && lines[i] != "" {
		key, value, found := strings.Cut(lines[i], ": ")
		if !found || key == "" {
			return nil, ErrMalformedHeader
		}
		req.Headers = append(req.Headers, Header{Key: key, Value: value})
		i++
	}

	// Everything past the blank line is the body. Bodies may contain
	// embedded newlines (JSON), so all remaining lines are rejoined.
	if i < len(lines)-1 {
		req.Body = strings.Join(lines[i+1:], "\r\n")
	}

	return req, nil
}

// SplitPath separates the query string from the path component.
func SplitPath(path string) (route, query string) {
	route, query, _ = strings.Cut(path, "?")
	return route, query
}

// ParseQuery parses a query string into a map. Pairs without '=' are
// dropped; later duplicates win.
func ParseQuery(query string) map[string]string {
	params := make(map[string]string)
	for _, pair := range strings.Split(query, "&") {
		key, value, found := strings.Cut(pair, "=")
		if found && key != "" {
			params[key] = value
		}
	}
	return params
}

// StatusText maps the status codes the server emits to reason phrases.
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 500:
		return "Internal Server Error"
	default:
		return "OK"
	}
}

// FormatResponse serializes a response: status line, Content-Type,
// Content-Length, Connection: close, blank line, body. The connection is
// closed after every response, so Connection: close is unconditional.
func FormatResponse(statusCode int, contentType, body string) string {
	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(statusCode))
	b.WriteString(" ")
	b.WriteString(StatusText(statusCode))
	b.WriteString("\r\nContent-Type: ")
	b.WriteString(contentType)
	b.WriteString("\r\nContent-Length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\nConnection: close\r\n\r\n")
	b.WriteString(body)
	return b.String()
}
