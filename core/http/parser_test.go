package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser(t testing.TB, size int, data string) *Parser {
	t.Helper()
	p := NewParser(make([]byte, size))
	_, err := p.Feed([]byte(data))
	require.NoError(t, err)
	return p
}

// TestScanLineTrailingCR 测试末尾孤立的 CR
func TestScanLineTrailingCR(t *testing.T) {
	for _, text := range []string{"", "a", "GET / HTTP/1.1", "Host: example.com", "  spaced  "} {
		p := newTestParser(t, 64, text+"\r")
		assert.Equal(t, LineOpen, p.ScanLine(), "text %q", text)
		assert.Equal(t, len(text), p.Checked())
	}
}

func TestScanLineCRLF(t *testing.T) {
	for _, text := range []string{"", "x", "GET / HTTP/1.1", "Content-Length: 12"} {
		p := newTestParser(t, 64, text+"\r\nrest")
		require.Equal(t, LineOK, p.ScanLine(), "text %q", text)
		assert.Equal(t, text, string(p.Line()))
		assert.Equal(t, len(text)+2, p.Checked())

		buf := p.Buffered()
		assert.Equal(t, byte(0), buf[len(text)])
		assert.Equal(t, byte(0), buf[len(text)+1])
		assert.Equal(t, "rest", string(p.Unscanned()))
	}
}

func TestScanLineBareLF(t *testing.T) {
	for _, text := range []string{"ab", "GET / HTTP/1.1", "Host: x"} {
		p := newTestParser(t, 64, text+"\n")
		require.Equal(t, LineOK, p.ScanLine(), "text %q", text)
		assert.Equal(t, text, string(p.Line()))
		assert.Equal(t, byte(0), p.Buffered()[len(text)])
		assert.Equal(t, len(text)+1, p.Checked())
	}

	// fewer than two bytes before the LF
	assert.Equal(t, LineBad, newTestParser(t, 8, "\n").ScanLine())
	assert.Equal(t, LineBad, newTestParser(t, 8, "a\n").ScanLine())
}

func TestScanLineMalformedCR(t *testing.T) {
	p := newTestParser(t, 16, "ab\rcd\r\n")
	assert.Equal(t, LineBad, p.ScanLine())
}

func TestScanLineNeedsMoreData(t *testing.T) {
	p := newTestParser(t, 16, "GET /")
	assert.Equal(t, LineOpen, p.ScanLine())
	assert.Equal(t, 5, p.Checked())
}

func TestParseSimpleGet(t *testing.T) {
	p := newTestParser(t, 256, "GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n")

	require.Equal(t, GetRequest, p.Parse())
	req := p.Request()
	assert.Equal(t, MethodGet, req.Method)
	assert.Equal(t, "/index.html", string(req.Target))
	assert.Equal(t, "x", string(req.Host))
	assert.True(t, req.KeepAlive)
	assert.Equal(t, 0, req.ContentLength)
}

func TestParseIncremental(t *testing.T) {
	raw := "GET /a/b.txt HTTP/1.1\r\nHost: localhost:8080\r\nConnection: close\r\n\r\n"
	p := NewParser(make([]byte, 256))

	for i := 0; i < len(raw)-1; i++ {
		_, err := p.Feed([]byte{raw[i]})
		require.NoError(t, err)
		require.Equal(t, NoRequest, p.Parse(), "after %d bytes", i+1)
	}
	_, err := p.Feed([]byte{raw[len(raw)-1]})
	require.NoError(t, err)
	require.Equal(t, GetRequest, p.Parse())

	req := p.Request()
	assert.Equal(t, "/a/b.txt", string(req.Target))
	assert.Equal(t, "localhost:8080", string(req.Host))
	assert.False(t, req.KeepAlive)
}

func TestParseStateOnlyMovesForward(t *testing.T) {
	p := newTestParser(t, 256, "GET / HTTP/1.1\r\n")
	assert.Equal(t, NoRequest, p.Parse())
	assert.Equal(t, CheckStateHeader, p.State())

	_, err := p.Feed([]byte("Content-Length: 3\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, NoRequest, p.Parse())
	assert.Equal(t, CheckStateContent, p.State())

	_, err = p.Feed([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, GetRequest, p.Parse())
	assert.Equal(t, CheckStateContent, p.State())
}

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		code   Code
		target string
	}{
		{"get", "GET / HTTP/1.1", GetRequest, "/"},
		{"lowercase", "get /x http/1.1", GetRequest, "/x"},
		{"extra spaces", "GET  /x\tHTTP/1.1", GetRequest, "/x"},
		{"absolute url", "GET http://example.com/a/b HTTP/1.1", GetRequest, "/a/b"},
		{"absolute url upper scheme", "GET HTTP://example.com/ HTTP/1.1", GetRequest, "/"},
		{"absolute url without path", "GET http://example.com HTTP/1.1", BadRequest, ""},
		{"relative target", "GET index.html HTTP/1.1", BadRequest, ""},
		{"post", "POST / HTTP/1.1", BadRequest, ""},
		{"head", "HEAD / HTTP/1.1", BadRequest, ""},
		{"http 1.0", "GET / HTTP/1.0", BadRequest, ""},
		{"missing version", "GET /", BadRequest, ""},
		{"method only", "GET", BadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestParser(t, 256, tt.line+"\r\n\r\n")
			require.Equal(t, tt.code, p.Parse())
			if tt.code == GetRequest {
				assert.Equal(t, tt.target, string(p.Request().Target))
			}
		})
	}
}

func TestParseConnectionHeader(t *testing.T) {
	tests := []struct {
		value     string
		keepAlive bool
	}{
		{"close", false},
		{"Close", false},
		{"keep-alive", true},
		{"upgrade", true},
		{"keep-alive, close", false},
	}

	for _, tt := range tests {
		p := newTestParser(t, 256, "GET / HTTP/1.1\r\nConnection: "+tt.value+"\r\n\r\n")
		require.Equal(t, GetRequest, p.Parse())
		assert.Equal(t, tt.keepAlive, p.Request().KeepAlive, "Connection: %s", tt.value)
	}
}

func TestParseContentLength(t *testing.T) {
	t.Run("body", func(t *testing.T) {
		p := newTestParser(t, 256, "GET / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhel")
		assert.Equal(t, NoRequest, p.Parse())

		_, err := p.Feed([]byte("lo"))
		require.NoError(t, err)
		assert.Equal(t, GetRequest, p.Parse())
		assert.Equal(t, 5, p.Request().ContentLength)
	})

	t.Run("malformed reads as zero", func(t *testing.T) {
		p := newTestParser(t, 256, "GET / HTTP/1.1\r\nContent-Length: abc\r\n\r\n")
		assert.Equal(t, GetRequest, p.Parse())
		assert.Equal(t, 0, p.Request().ContentLength)
	})

	t.Run("negative reads as zero", func(t *testing.T) {
		p := newTestParser(t, 256, "GET / HTTP/1.1\r\nContent-Length: -4\r\n\r\n")
		assert.Equal(t, GetRequest, p.Parse())
		assert.Equal(t, 0, p.Request().ContentLength)
	})

	t.Run("first value wins", func(t *testing.T) {
		p := newTestParser(t, 256, "GET / HTTP/1.1\r\nContent-Length: 2\r\nContent-Length: 9\r\n\r\nok")
		assert.Equal(t, GetRequest, p.Parse())
		assert.Equal(t, 2, p.Request().ContentLength)
	})

	t.Run("larger than buffer", func(t *testing.T) {
		p := newTestParser(t, 64, "GET / HTTP/1.1\r\nContent-Length: 100\r\n\r\n")
		assert.Equal(t, BadRequest, p.Parse())
	})
}

func TestParseIgnoresUnknownHeaders(t *testing.T) {
	p := newTestParser(t, 256, "GET / HTTP/1.1\r\nAccept: */*\r\nUser-Agent: test\r\nHost: h\r\n\r\n")
	require.Equal(t, GetRequest, p.Parse())
	assert.Equal(t, "h", string(p.Request().Host))
}

func TestParseBareLFRequest(t *testing.T) {
	p := newTestParser(t, 256, "GET /lf HTTP/1.1\nHost: x\n\n")
	require.Equal(t, GetRequest, p.Parse())
	assert.Equal(t, "/lf", string(p.Request().Target))
}

func TestParseMalformedLineAborts(t *testing.T) {
	p := newTestParser(t, 256, "GET / HTTP/1.1\r\nHost: x\rY\r\n\r\n")
	assert.Equal(t, BadRequest, p.Parse())
}

func TestParseFullBufferIsBadRequest(t *testing.T) {
	p := NewParser(make([]byte, 16))
	n, err := p.Feed([]byte("GET /aaaaaaaaaaaaaaaaaaaaaaaa HTTP/1.1\r\n"))
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, 16, n)
	assert.True(t, p.Full())
	assert.Equal(t, BadRequest, p.Parse())
}

func TestParserReset(t *testing.T) {
	p := newTestParser(t, 128, "GET / HTTP/1.1\r\nConnection: close\r\n\r\nGET /next HTTP/1.1\r\n")
	require.Equal(t, GetRequest, p.Parse())

	p.Reset()
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, p.Checked())
	assert.Equal(t, CheckStateRequestLine, p.State())
	assert.True(t, p.Request().KeepAlive)
	assert.Nil(t, p.Request().Target)
	assert.Equal(t, NoRequest, p.Parse())
}

func TestParserCommit(t *testing.T) {
	p := NewParser(make([]byte, 8))
	n := copy(p.Free(), "GET")
	require.NoError(t, p.Commit(n))
	assert.Equal(t, 3, p.Len())

	assert.ErrorIs(t, p.Commit(6), ErrNoSpace)
	assert.ErrorIs(t, p.Commit(-1), ErrNoSpace)
	assert.Equal(t, 3, p.Len())

	buf := p.Release()
	assert.Len(t, buf, 8)
	assert.Equal(t, 0, p.Cap())
}

func BenchmarkParse(b *testing.B) {
	raw := []byte("GET /static/index.html HTTP/1.1\r\nHost: localhost:8080\r\nUser-Agent: bench\r\nAccept: */*\r\n\r\n")
	p := NewParser(make([]byte, 2048))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Reset()
		p.Feed(raw)
		if p.Parse() != GetRequest {
			b.Fatal("parse failed")
		}
	}
}
