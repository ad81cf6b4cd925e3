package core

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-static/core/http"
	"github.com/searchktools/fast-static/core/poller"
	"github.com/searchktools/fast-static/core/sendfile"
	"github.com/searchktools/fast-static/core/timewheel"
)

// ConnID names a connection across fd reuse. Timers and close requests
// carry a ConnID; a lookup with a stale generation finds nothing.
type ConnID struct {
	Fd  int
	Gen uint64
}

// outcome is what a connection asks for after handling an event.
type outcome uint8

const (
	outcomeRead  outcome = iota // re-arm for readable
	outcomeWrite                // re-arm for writable
	outcomeClose                // evict
)

func (o outcome) interest() poller.Interest {
	if o == outcomeWrite {
		return poller.Writable
	}
	return poller.Readable
}

// Conn is one accepted client socket.
//
// Only one goroutine touches a Conn's buffers at a time: the oneshot
// registration delivers at most one event until the fd is re-armed, and
// whoever handles the event (the reactor, or the worker it hands the Conn
// to) is the only one that re-arms it.
type Conn struct {
	engine *Engine
	fd     int
	gen    uint64
	peer   string
	open   bool

	parser  http.Parser
	resp    http.Builder
	iov     [2][]byte
	vec     [2][]byte
	mapping sendfile.Mapping

	keepAlive bool
	status    int

	// reactor only
	timer *timewheel.Timer

	// busy counts hand-offs to a worker not yet given back; the reactor
	// does not expire a busy connection.
	busy atomic.Int32
	// inflight counts goroutines inside an I/O or process step; more than
	// one is an ownership violation.
	inflight atomic.Int32
}

func (c *Conn) id() ConnID { return ConnID{Fd: c.fd, Gen: c.gen} }

// Peer returns the remote address.
func (c *Conn) Peer() string { return c.peer }

func (c *Conn) enter() {
	if n := c.inflight.Add(1); n > 1 {
		c.engine.stats.oneshotViolations.Add(1)
		c.engine.log.WithField("fd", c.fd).WithField("inflight", n).Error("concurrent access to connection")
	}
}

func (c *Conn) leave() {
	c.inflight.Add(-1)
}

// read drains the socket into the read buffer until it would block.
// Returns an error when the buffer was full before reading, the peer
// closed, or the socket failed.
func (c *Conn) read() error {
	if c.parser.Full() {
		return errReadBufferFull
	}

	total := 0
	for {
		free := c.parser.Free()
		if len(free) == 0 {
			break
		}
		n, err := unix.Read(c.fd, free)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			return err
		}
		if n == 0 {
			return errPeerClosed
		}
		if err := c.parser.Commit(n); err != nil {
			return err
		}
		total += n
	}

	c.engine.stats.bytesRead.Add(uint64(total))
	return nil
}

// Process parses the buffered request, builds the response and writes as
// much of it as the socket takes. It runs on a worker and ends by handing
// the connection back: re-armed, or queued for eviction.
func (c *Conn) Process() {
	c.enter()
	out := c.process()
	c.leave()

	e := c.engine
	if out == outcomeClose {
		c.busy.Add(-1)
		e.requestClose(c.id())
		return
	}

	err := e.poller.Rearm(c.fd, out.interest())
	c.busy.Add(-1)
	if err != nil {
		e.log.WithError(err).WithField("fd", c.fd).Warn("rearm failed")
		e.requestClose(c.id())
	}
}

func (c *Conn) process() outcome {
	code := c.parser.Parse()
	if code == http.NoRequest {
		return outcomeRead
	}
	c.engine.stats.requests.Add(1)
	start := c.engine.monitor.Start()

	if code == http.GetRequest {
		code = c.serve()
	}
	if err := c.respond(code); err != nil {
		c.engine.log.WithError(err).WithField("fd", c.fd).Warn("response does not fit write buffer")
		c.unmap()
		if err := c.respond(http.InternalError); err != nil {
			return outcomeClose
		}
	}
	c.engine.stats.response(c.status)
	c.engine.monitor.End(c.status, start)
	return c.write()
}

// serve resolves the target and maps the file.
func (c *Conn) serve() http.Code {
	res := c.engine.resolver.Resolve(c.parser.Request().Target)
	if res.Code != http.FileRequest {
		return res.Code
	}
	if err := c.mapping.Map(res.Path, res.Size); err != nil {
		c.engine.log.WithError(err).WithField("path", res.Path).Error("map file")
		return http.InternalError
	}
	return http.FileRequest
}

// respond builds the response for code into the write buffer and sets up
// the send segments.
func (c *Conn) respond(code http.Code) error {
	req := c.parser.Request()
	c.resp.Reset()
	c.iov = [2][]byte{}

	if code != http.FileRequest {
		c.keepAlive = req.KeepAlive && http.KeepAliveAllowed(code)
		c.status, _ = http.ErrorResponse(code)
		if err := c.resp.WriteError(code, c.keepAlive); err != nil {
			return err
		}
		c.iov[0] = c.resp.Bytes()
		return nil
	}

	c.keepAlive = req.KeepAlive
	c.status = http.StatusOK
	body := c.mapping.Bytes()
	if len(body) == 0 {
		if err := c.resp.WriteFileHead(int64(len(http.EmptyFileBody)), c.keepAlive); err != nil {
			return err
		}
		if err := c.resp.Content(http.EmptyFileBody); err != nil {
			return err
		}
		c.iov[0] = c.resp.Bytes()
		return nil
	}

	if err := c.resp.WriteFileHead(int64(len(body)), c.keepAlive); err != nil {
		return err
	}
	c.iov[0] = c.resp.Bytes()
	c.iov[1] = body
	return nil
}

// write sends the pending segments with writev until done or the socket
// would block.
func (c *Conn) write() outcome {
	for {
		k := 0
		for _, seg := range c.iov {
			if len(seg) > 0 {
				c.vec[k] = seg
				k++
			}
		}
		if k == 0 {
			break
		}

		n, err := unix.Writev(c.fd, c.vec[:k])
		c.vec = [2][]byte{}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return outcomeWrite
			}
			c.engine.log.WithError(err).WithField("fd", c.fd).Debug("write failed")
			c.unmap()
			return outcomeClose
		}
		c.engine.stats.bytesWritten.Add(uint64(n))
		c.advance(n)
	}

	c.unmap()
	if !c.keepAlive {
		return outcomeClose
	}
	c.reset()
	return outcomeRead
}

// advance consumes n sent bytes from the segments.
func (c *Conn) advance(n int) {
	for i := range c.iov {
		if n == 0 {
			return
		}
		if n >= len(c.iov[i]) {
			n -= len(c.iov[i])
			c.iov[i] = nil
		} else {
			c.iov[i] = c.iov[i][n:]
			n = 0
		}
	}
}

// unmap releases the mapped file, if any.
func (c *Conn) unmap() {
	if err := c.mapping.Release(); err != nil {
		c.engine.log.WithError(err).WithField("fd", c.fd).Error("unmap")
	}
}

// reset prepares the connection for the next keep-alive request.
func (c *Conn) reset() {
	c.unmap()
	c.parser.Reset()
	c.resp.Reset()
	c.iov = [2][]byte{}
	c.keepAlive = true
	c.status = 0
}
