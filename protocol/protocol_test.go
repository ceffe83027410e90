package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequestBasic(t *testing.T) {
	raw := "POST /send HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/json\r\n\r\n{\"text\":\"hi\"}"

	req, err := ParseRequest(raw)
	require.NoError(t, err)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "/send", req.Path)
	require.Equal(t, "HTTP/1.1", req.Version)
	require.Equal(t, "{\"text\":\"hi\"}", req.Body)
	require.Equal(t, "localhost", req.HeaderValue("Host"))
	require.Equal(t, "application/json", req.HeaderValue("Content-Type"))
}

func TestParseRequestEmptyBuffer(t *testing.T) {
	req, err := ParseRequest("")
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/", req.Path)
	require.Empty(t, req.Headers)
	require.Empty(t, req.Body)
}

func TestParseRequestMultilineBody(t *testing.T) {
	// JSON bodies may contain embedded newlines; every line after the
	// blank line belongs to the body.
	raw := "POST /send HTTP/1.1\r\n\r\n{\r\n  \"text\": \"hi\"\r\n}"

	req, err := ParseRequest(raw)
	require.NoError(t, err)
	require.Equal(t, "{\r\n  \"text\": \"hi\"\r\n}", req.Body)
}

func TestParseRequestMalformedRequestLine(t *testing.T) {
	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"GET /\r\n\r\n",
		"GET / HTTP/1.1 EXTRA\r\n\r\n",
	} {
		_, err := ParseRequest(raw)
		require.ErrorIs(t, err, ErrMalformedRequestLine, "input %q", raw)
	}
}

func TestParseRequestMalformedHeader(t *testing.T) {
	for _, raw := range []string{
		"GET / HTTP/1.1\r\nNoColon\r\n\r\n",
		"GET / HTTP/1.1\r\nKey:NoSpace\r\n\r\n",
		"GET / HTTP/1.1\r\n: empty key\r\n\r\n",
	} {
		_, err := ParseRequest(raw)
		require.ErrorIs(t, err, ErrMalformedHeader, "input %q", raw)
	}
}

func TestParseRequestHeaderOrder(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nB: 2\r\nA: 1\r\nB: 3\r\n\r\n"

	req, err := ParseRequest(raw)
	require.NoError(t, err)
	require.Len(t, req.Headers, 3)
	require.Equal(t, Header{Key: "B", Value: "2"}, req.Headers[0])
	require.Equal(t, Header{Key: "A", Value: "1"}, req.Headers[1])
	// First value wins on lookup.
	require.Equal(t, "2", req.HeaderValue("B"))
}

func TestParseRequestIsTotal(t *testing.T) {
	// Any byte string must produce either a request or a typed error,
	// never a panic.
	inputs := []string{
		"\r\n\r\n\r\n",
		"\x00\x01\x02",
		strings.Repeat("A", 4096),
		"GET / HTTP/1.1\r\nX: \xff\xfe\r\n\r\n",
		"\r\nGET / HTTP/1.1",
		": : :\r\n",
	}
	for _, raw := range inputs {
		req, err := ParseRequest(raw)
		if err == nil {
			require.NotNil(t, req)
		} else {
			require.True(t,
				err == ErrMalformedRequestLine || err == ErrMalformedHeader,
				"unexpected error %v for %q", err, raw)
		}
	}
}

func TestContentLength(t *testing.T) {
	req, err := ParseRequest("POST / HTTP/1.1\r\nContent-Length: 13\r\n\r\n{\"text\":\"hi\"}")
	require.NoError(t, err)
	require.Equal(t, 13, req.ContentLength())

	req, err = ParseRequest("POST / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, -1, req.ContentLength())

	req, err = ParseRequest("POST / HTTP/1.1\r\nContent-Length: nope\r\n\r\n")
	require.NoError(t, err)
	require.Equal(t, -1, req.ContentLength())
}

func TestSplitPathAndQuery(t *testing.T) {
	route, query := SplitPath("/messages?limit=10&offset=20")
	require.Equal(t, "/messages", route)
	require.Equal(t, "limit=10&offset=20", query)

	route, query = SplitPath("/status")
	require.Equal(t, "/status", route)
	require.Equal(t, "", query)

	params := ParseQuery("limit=10&offset=20&flag&=bad")
	require.Equal(t, map[string]string{"limit": "10", "offset": "20"}, params)
}

func TestFormatResponse(t *testing.T) {
	resp := FormatResponse(200, "application/json", `{"status":true,"data":{}}`)

	require.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"))
	require.Contains(t, resp, "Content-Type: application/json\r\n")
	require.Contains(t, resp, "Content-Length: 25\r\n")
	require.Contains(t, resp, "Connection: close\r\n")

	head, body, found := strings.Cut(resp, "\r\n\r\n")
	require.True(t, found)
	require.NotEmpty(t, head)
	require.Equal(t, `{"status":true,"data":{}}`, body)
}

func TestFormatResponseStatusText(t *testing.T) {
	require.True(t, strings.HasPrefix(FormatResponse(404, "text/plain", "x"), "HTTP/1.1 404 Not Found\r\n"))
	require.True(t, strings.HasPrefix(FormatResponse(405, "text/plain", "x"), "HTTP/1.1 405 Method Not Allowed\r\n"))
	require.True(t, strings.HasPrefix(FormatResponse(500, "text/plain", "x"), "HTTP/1.1 500 Internal Server Error\r\n"))
}
