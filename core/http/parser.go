package http

import (
	"bytes"
	"errors"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

var (
	// ErrNoSpace is returned when a fixed-capacity buffer cannot hold more bytes.
	ErrNoSpace = errors.New("http: buffer out of space")
)

// LineStatus is the result of scanning for one line.
type LineStatus uint8

const (
	LineOK LineStatus = iota
	LineBad
	LineOpen
)

func (s LineStatus) String() string {
	switch s {
	case LineOK:
		return "LINE_OK"
	case LineBad:
		return "LINE_BAD"
	case LineOpen:
		return "LINE_OPEN"
	}
	return "LINE_UNKNOWN"
}

// Parser is the read side of a connection: a fixed-capacity buffer, its
// cursors and the request state machine that consumes it.
//
// Invariants: checkIdx <= readIdx <= len(buf), startLine <= checkIdx.
type Parser struct {
	buf       []byte
	readIdx   int // bytes received
	checkIdx  int // bytes scanned
	startLine int // start of the current unconsumed line
	lineEnd   int // end of the last line returned by ScanLine
	bodyStart int // checkIdx when the content state was entered

	state      CheckState
	lengthSeen bool
	req        Request
}

// NewParser creates a parser over buf. The buffer capacity is len(buf).
func NewParser(buf []byte) *Parser {
	p := &Parser{}
	p.Init(buf)
	return p
}

// Init binds the parser to a new buffer and resets all state.
func (p *Parser) Init(buf []byte) {
	p.buf = buf
	p.Reset()
}

// Reset clears cursors and the request for the next keep-alive round.
// Bytes received past the current request are discarded.
func (p *Parser) Reset() {
	p.readIdx = 0
	p.checkIdx = 0
	p.startLine = 0
	p.lineEnd = 0
	p.bodyStart = 0
	p.state = CheckStateRequestLine
	p.lengthSeen = false
	p.req.Reset()
}

// Release drops the buffer and returns it to the caller.
func (p *Parser) Release() []byte {
	buf := p.buf
	p.buf = nil
	p.Reset()
	return buf
}

func (p *Parser) Cap() int          { return len(p.buf) }
func (p *Parser) Len() int          { return p.readIdx }
func (p *Parser) Checked() int      { return p.checkIdx }
func (p *Parser) State() CheckState { return p.state }
func (p *Parser) Request() *Request { return &p.req }
func (p *Parser) Full() bool        { return p.readIdx >= len(p.buf) }
func (p *Parser) Line() []byte      { return p.buf[p.startLine:p.lineEnd] }
func (p *Parser) Buffered() []byte  { return p.buf[:p.readIdx] }
func (p *Parser) Unscanned() []byte { return p.buf[p.checkIdx:p.readIdx] }
func (p *Parser) Free() []byte      { return p.buf[p.readIdx:] }

// Commit marks n bytes of Free() as received.
func (p *Parser) Commit(n int) error {
	if n < 0 || n > len(p.buf)-p.readIdx {
		return ErrNoSpace
	}
	p.readIdx += n
	return nil
}

// Feed copies data into the free space. It returns ErrNoSpace when data
// does not fit; the bytes that fit are still committed.
func (p *Parser) Feed(data []byte) (int, error) {
	n := copy(p.Free(), data)
	p.readIdx += n
	if n < len(data) {
		return n, ErrNoSpace
	}
	return n, nil
}

// ScanLine extracts one line starting at the scan cursor.
// A ready line is terminated in place: its CR and LF bytes are overwritten
// with NUL. A CR that is the last received byte leaves the line open.
func (p *Parser) ScanLine() LineStatus {
	for ; p.checkIdx < p.readIdx; p.checkIdx++ {
		switch p.buf[p.checkIdx] {
		case '\r':
			if p.checkIdx+1 == p.readIdx {
				return LineOpen
			}
			if p.buf[p.checkIdx+1] == '\n' {
				p.lineEnd = p.checkIdx
				p.buf[p.checkIdx] = 0
				p.buf[p.checkIdx+1] = 0
				p.checkIdx += 2
				return LineOK
			}
			return LineBad
		case '\n':
			// bare LF is accepted once at least two bytes precede it
			if p.checkIdx > 1 {
				p.lineEnd = p.checkIdx
				p.buf[p.checkIdx] = 0
				p.checkIdx++
				return LineOK
			}
			return LineBad
		}
	}
	return LineOpen
}

// Parse runs the state machine until the request is complete, malformed,
// or the buffered bytes are exhausted.
func (p *Parser) Parse() Code {
	for {
		var line []byte
		if p.state != CheckStateContent {
			switch p.ScanLine() {
			case LineOpen:
				return p.incomplete()
			case LineBad:
				return BadRequest
			}
			line = p.Line()
			p.startLine = p.checkIdx
		}

		switch p.state {
		case CheckStateRequestLine:
			if p.parseRequestLine(line) == BadRequest {
				return BadRequest
			}
		case CheckStateHeader:
			switch p.parseHeader(line) {
			case BadRequest:
				return BadRequest
			case GetRequest:
				return GetRequest
			}
		case CheckStateContent:
			return p.parseContent()
		default:
			return InternalError
		}
	}
}

// incomplete reports NoRequest unless the buffer is full, in which case the
// request can never complete.
func (p *Parser) incomplete() Code {
	if p.Full() {
		return BadRequest
	}
	return NoRequest
}

// parseRequestLine handles "GET <target> HTTP/1.1".
func (p *Parser) parseRequestLine(text []byte) Code {
	i := bytes.IndexAny(text, " \t")
	if i < 0 {
		return BadRequest
	}
	if !equalFold(text[:i], "GET") {
		return BadRequest
	}

	rest := skipSpace(text[i+1:])
	j := bytes.IndexAny(rest, " \t")
	if j < 0 {
		return BadRequest
	}
	target := rest[:j]
	if !equalFold(skipSpace(rest[j+1:]), "HTTP/1.1") {
		return BadRequest
	}

	if hasPrefixFold(target, "http://") {
		target = target[len("http://"):]
		k := bytes.IndexByte(target, '/')
		if k < 0 {
			return BadRequest
		}
		target = target[k:]
	}
	if len(target) == 0 || target[0] != '/' {
		return BadRequest
	}

	p.req.Method = MethodGet
	p.req.Target = target
	p.state = CheckStateHeader
	return NoRequest
}

func (p *Parser) parseHeader(text []byte) Code {
	if len(text) == 0 {
		if p.req.ContentLength == 0 {
			return GetRequest
		}
		if p.req.ContentLength > len(p.buf)-p.checkIdx {
			return BadRequest
		}
		p.state = CheckStateContent
		p.bodyStart = p.checkIdx
		return NoRequest
	}

	switch {
	case hasPrefixFold(text, "Connection:"):
		v := skipSpace(text[len("Connection:"):])
		if httpguts.HeaderValuesContainsToken([]string{string(v)}, "close") {
			p.req.KeepAlive = false
		}
	case hasPrefixFold(text, "Content-Length:"):
		if !p.lengthSeen {
			p.req.ContentLength = parseContentLength(skipSpace(text[len("Content-Length:"):]))
			p.lengthSeen = true
		}
	case hasPrefixFold(text, "Host:"):
		p.req.Host = skipSpace(text[len("Host:"):])
	}
	return NoRequest
}

// parseContent completes the request once the declared body is buffered.
// The body itself is not interpreted.
func (p *Parser) parseContent() Code {
	if p.readIdx-p.bodyStart >= p.req.ContentLength {
		p.checkIdx = p.bodyStart + p.req.ContentLength
		return GetRequest
	}
	return p.incomplete()
}

// parseContentLength is lenient: malformed or negative values read as 0.
func parseContentLength(v []byte) int {
	v = bytes.TrimRight(v, " \t")
	n, err := strconv.Atoi(string(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func skipSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}

func equalFold(b []byte, s string) bool {
	return len(b) == len(s) && hasPrefixFold(b, s)
}

func hasPrefixFold(b []byte, prefix string) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if lower(b[i]) != lower(prefix[i]) {
			return false
		}
	}
	return true
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
