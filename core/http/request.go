package http

// Method is a request method. Only GET is served.
type Method uint8

const (
	MethodGet Method = iota
)

// CheckState is the position of the request state machine.
type CheckState uint8

const (
	CheckStateRequestLine CheckState = iota
	CheckStateHeader
	CheckStateContent
)

func (s CheckState) String() string {
	switch s {
	case CheckStateRequestLine:
		return "request-line"
	case CheckStateHeader:
		return "header"
	case CheckStateContent:
		return "content"
	}
	return "unknown"
}

// Code is the outcome of parsing and resolving a request.
// NoRequest < GetRequest < BadRequest in severity; the rest are produced
// once a GET request is resolved against the document root.
type Code uint8

const (
	NoRequest Code = iota
	GetRequest
	BadRequest
	NoResource
	ForbiddenRequest
	DirRequest
	FileRequest
	InternalError
)

func (c Code) String() string {
	switch c {
	case NoRequest:
		return "NO_REQUEST"
	case GetRequest:
		return "GET_REQUEST"
	case BadRequest:
		return "BAD_REQUEST"
	case NoResource:
		return "NO_RESOURCE"
	case ForbiddenRequest:
		return "FORBIDDEN_REQUEST"
	case DirRequest:
		return "DIR_REQUEST"
	case FileRequest:
		return "FILE_REQUEST"
	case InternalError:
		return "INTERNAL_ERROR"
	}
	return "UNKNOWN"
}

// Request holds the parsed request fields.
// Target and Host are views into the connection read buffer and are only
// valid until the parser is reset.
type Request struct {
	Method        Method
	Target        []byte
	Host          []byte
	ContentLength int
	KeepAlive     bool
}

// Reset resets the request for the next keep-alive round.
func (r *Request) Reset() {
	r.Method = MethodGet
	r.Target = nil
	r.Host = nil
	r.ContentLength = 0
	r.KeepAlive = true
}
