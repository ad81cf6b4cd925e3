package http

// Fixed response bodies.
const (
	BodyBadRequest    = "Your request has bad syntax\n"
	BodyForbidden     = "You do not have permission to get file from this server\n"
	BodyNotFound      = "The request file was not found on this server\n"
	BodyInternalError = "There was an unusual problem\n"
	BodyDirectory     = "The requested resource is a directory\n"
	BodyBusy          = "Internal server busy\n"

	// EmptyFileBody is sent in place of a zero-length file.
	EmptyFileBody = "<html><body></body></html>"
)

const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusInternalServerError = 500
)

// StatusText returns the reason phrase for a status code.
func StatusText(status int) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "Bad Request"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Not Found"
	case StatusInternalServerError:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

// ErrorResponse maps a non-file result to its status and body.
// Codes without an error response (NoRequest, GetRequest, FileRequest)
// map to 500.
func ErrorResponse(code Code) (int, string) {
	switch code {
	case BadRequest:
		return StatusBadRequest, BodyBadRequest
	case NoResource:
		return StatusNotFound, BodyNotFound
	case ForbiddenRequest:
		return StatusForbidden, BodyForbidden
	case DirRequest:
		return StatusBadRequest, BodyDirectory
	default:
		return StatusInternalServerError, BodyInternalError
	}
}

// KeepAliveAllowed reports whether the connection may stay open after
// answering code. Protocol and internal errors always close.
func KeepAliveAllowed(code Code) bool {
	switch code {
	case NoResource, ForbiddenRequest, DirRequest, FileRequest:
		return true
	}
	return false
}

// Builder assembles a response head into a fixed-capacity buffer.
// Every append is checked; a response that does not fit yields ErrNoSpace
// and leaves the bytes written so far in place.
type Builder struct {
	buf []byte
	n   int
}

// NewBuilder creates a builder over buf.
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf}
}

// Init binds the builder to a new buffer.
func (b *Builder) Init(buf []byte) {
	b.buf = buf
	b.n = 0
}

// Release drops the buffer and returns it to the caller.
func (b *Builder) Release() []byte {
	buf := b.buf
	b.buf = nil
	b.n = 0
	return buf
}

func (b *Builder) Reset()        { b.n = 0 }
func (b *Builder) Len() int      { return b.n }
func (b *Builder) Cap() int      { return len(b.buf) }
func (b *Builder) Bytes() []byte { return b.buf[:b.n] }

func (b *Builder) appendString(s string) error {
	if len(s) > len(b.buf)-b.n {
		return ErrNoSpace
	}
	b.n += copy(b.buf[b.n:], s)
	return nil
}

// appendInt writes a non-negative integer without allocating.
func (b *Builder) appendInt(i int64) error {
	if i < 0 {
		i = 0
	}

	digits := 1
	for tmp := i / 10; tmp > 0; tmp /= 10 {
		digits++
	}
	if digits > len(b.buf)-b.n {
		return ErrNoSpace
	}

	// Fill digits from right to left
	for j := digits - 1; j >= 0; j-- {
		b.buf[b.n+j] = byte('0' + i%10)
		i /= 10
	}
	b.n += digits
	return nil
}

// StatusLine appends "HTTP/1.1 <status> <reason>\r\n".
func (b *Builder) StatusLine(status int) error {
	if err := b.appendString("HTTP/1.1 "); err != nil {
		return err
	}
	if err := b.appendInt(int64(status)); err != nil {
		return err
	}
	if err := b.appendString(" "); err != nil {
		return err
	}
	if err := b.appendString(StatusText(status)); err != nil {
		return err
	}
	return b.appendString("\r\n")
}

// Headers appends Content-Length, Connection and the blank line.
func (b *Builder) Headers(contentLength int64, keepAlive bool) error {
	if err := b.appendString("Content-Length: "); err != nil {
		return err
	}
	if err := b.appendInt(contentLength); err != nil {
		return err
	}
	conn := "\r\nConnection: close\r\n\r\n"
	if keepAlive {
		conn = "\r\nConnection: keep-alive\r\n\r\n"
	}
	return b.appendString(conn)
}

// Content appends an inline body.
func (b *Builder) Content(s string) error {
	return b.appendString(s)
}

// WriteText writes a complete response with an inline body.
func (b *Builder) WriteText(status int, body string, keepAlive bool) error {
	if err := b.StatusLine(status); err != nil {
		return err
	}
	if err := b.Headers(int64(len(body)), keepAlive); err != nil {
		return err
	}
	return b.Content(body)
}

// WriteError writes the error response for code.
func (b *Builder) WriteError(code Code, keepAlive bool) error {
	status, body := ErrorResponse(code)
	return b.WriteText(status, body, keepAlive && KeepAliveAllowed(code))
}

// WriteFileHead writes the head of a 200 response whose body of size bytes
// is sent separately.
func (b *Builder) WriteFileHead(size int64, keepAlive bool) error {
	if err := b.StatusLine(StatusOK); err != nil {
		return err
	}
	return b.Headers(size, keepAlive)
}
