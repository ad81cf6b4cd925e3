package core

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-static/core/http"
	"github.com/searchktools/fast-static/core/observability"
	"github.com/searchktools/fast-static/core/poller"
	"github.com/searchktools/fast-static/core/pools"
	"github.com/searchktools/fast-static/core/sendfile"
	"github.com/searchktools/fast-static/core/timewheel"
)

// Options configures an Engine.
type Options struct {
	Root           string
	MaxFD          int
	MaxConnections int
	ReadBuffer     int
	WriteBuffer    int
	MaxPath        int
	Backlog        int
	MaxEvents      int
	Tick           time.Duration
	AcceptTimeout  time.Duration
	IdleTimeout    time.Duration
	WheelSlots     int
	Logger         *logrus.Entry
}

// DefaultOptions returns options serving the current directory.
func DefaultOptions() Options {
	return Options{
		Root:           ".",
		MaxFD:          DefaultMaxFD,
		MaxConnections: DefaultMaxConnections,
		ReadBuffer:     DefaultReadBuffer,
		WriteBuffer:    DefaultWriteBuffer,
		MaxPath:        DefaultMaxPath,
		Backlog:        DefaultBacklog,
		MaxEvents:      DefaultMaxEvents,
		Tick:           DefaultTick,
		AcceptTimeout:  DefaultAcceptTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		WheelSlots:     timewheel.DefaultSlots,
	}
}

func (o Options) validate() error {
	switch {
	case o.MaxFD <= 0, o.MaxConnections <= 0, o.ReadBuffer <= 0, o.WriteBuffer <= 0,
		o.Backlog <= 0, o.Tick <= 0:
		return fmt.Errorf("%w: sizes and tick must be positive", ErrBadOptions)
	case o.MaxConnections > o.MaxFD:
		return fmt.Errorf("%w: max connections %d exceeds max fd %d", ErrBadOptions, o.MaxConnections, o.MaxFD)
	}
	return nil
}

const (
	stateNew int32 = iota
	stateServing
	stateClosed
)

// Engine is the reactor: one goroutine owns the epoll set, the listening
// socket, the connection table and the timer wheel. Socket reads and
// writes happen on that goroutine; request processing is handed to the
// worker pool.
type Engine struct {
	opts     Options
	log      *logrus.Entry
	pool     *pools.WorkerPool
	bytes    *pools.BytePool
	resolver *sendfile.Resolver
	monitor  *observability.Monitor

	poller *poller.EpollPoller
	waker  *poller.Waker
	wheel  *timewheel.Wheel
	alarm  *time.Timer

	ln     *net.TCPListener
	lnFile *os.File
	lfd    int

	// reactor only
	conns        []*Conn
	nextGen      uint64
	acceptPaused bool

	closeMu sync.Mutex
	closeQ  []ConnID

	state atomic.Int32
	done  chan struct{}
	stats engineStats
}

// NewEngine creates an engine that hands requests to pool. The engine
// owns the pool from here on and closes it on shutdown.
func NewEngine(opts Options, pool *pools.WorkerPool) (*Engine, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	resolver, err := sendfile.NewResolver(opts.Root, opts.MaxPath)
	if err != nil {
		return nil, err
	}

	p, err := poller.NewPoller(opts.MaxEvents)
	if err != nil {
		return nil, err
	}
	waker, err := poller.NewWaker()
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Watch(waker.Fd()); err != nil {
		p.Close()
		waker.Close()
		return nil, fmt.Errorf("core: watch waker: %w", err)
	}

	e := &Engine{
		opts:     opts,
		log:      opts.Logger.WithField("component", "engine"),
		pool:     pool,
		bytes:    pools.NewBytePool(opts.ReadBuffer, opts.WriteBuffer),
		resolver: resolver,
		monitor:  observability.NewMonitor(),
		poller:   p,
		waker:    waker,
		wheel:    timewheel.New(opts.WheelSlots, opts.Tick),
		lfd:      -1,
		conns:    make([]*Conn, opts.MaxFD),
		done:     make(chan struct{}),
	}
	return e, nil
}

// Listen binds the listening socket.
func (e *Engine) Listen(addr string) error {
	if e.state.Load() != stateNew || e.ln != nil {
		return ErrAlreadyServed
	}

	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return err
	}

	lnFile, err := ln.File()
	if err != nil {
		ln.Close()
		return err
	}
	lfd := int(lnFile.Fd())
	if err := unix.SetNonblock(lfd, true); err != nil {
		lnFile.Close()
		ln.Close()
		return err
	}
	if err := e.poller.Watch(lfd); err != nil {
		lnFile.Close()
		ln.Close()
		return fmt.Errorf("core: watch listener: %w", err)
	}

	e.ln, e.lnFile, e.lfd = ln, lnFile, lfd
	e.log.WithField("addr", ln.Addr().String()).WithField("root", e.resolver.Root()).Info("listening")
	return nil
}

// Addr returns the bound address, nil before Listen.
func (e *Engine) Addr() net.Addr {
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// Run listens on addr and serves until Shutdown.
func (e *Engine) Run(addr string) error {
	if err := e.Listen(addr); err != nil {
		return err
	}
	return e.Serve()
}

// Serve runs the event loop until Shutdown. It returns nil after a clean
// shutdown.
func (e *Engine) Serve() error {
	if e.ln == nil {
		return ErrNotListening
	}
	if !e.state.CompareAndSwap(stateNew, stateServing) {
		if e.state.Load() == stateClosed {
			return ErrEngineClosed
		}
		return ErrAlreadyServed
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e.alarm = time.AfterFunc(e.opts.Tick, func() { e.waker.Notify(poller.WakeTick) })
	e.log.WithField("workers", e.pool.Stats().NumWorkers).Info("serving")

	var loopErr error
	for loopErr == nil {
		events, err := e.poller.Wait(-1)
		if err != nil {
			e.log.WithError(err).Error("poller wait")
			loopErr = err
			break
		}

		acceptPending := false
		var wake poller.Wake
		for _, ev := range events {
			switch ev.Fd {
			case e.lfd:
				acceptPending = true
			case e.waker.Fd():
				wake |= e.waker.Drain()
			default:
				e.dispatch(ev)
			}
		}

		if wake.Has(poller.WakeClose) {
			e.drainCloses()
		}
		if wake.Has(poller.WakeTick) {
			e.tick()
		}
		if wake.Has(poller.WakeShutdown) {
			break
		}
		// accept last: fds evicted above may be reused by new connections
		if acceptPending {
			e.accept()
		}
	}

	e.shutdown()
	return loopErr
}

// Shutdown asks the event loop to stop. It returns immediately; Serve
// returns once the connections are closed. Use Done to wait.
func (e *Engine) Shutdown() {
	if e.state.CompareAndSwap(stateNew, stateClosed) {
		e.pool.Close()
		e.pool.Wait()
		e.release()
		return
	}
	// a no-op once the waker is closed
	e.waker.Notify(poller.WakeShutdown)
}

// Done is closed after the engine has released all its resources.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Monitor returns the response latency monitor.
func (e *Engine) Monitor() *observability.Monitor { return e.monitor }

// dispatch handles one client socket event.
func (e *Engine) dispatch(ev poller.Event) {
	if ev.Fd < 0 || ev.Fd >= len(e.conns) {
		return
	}
	c := e.conns[ev.Fd]
	if c == nil {
		return
	}

	switch {
	case ev.Hangup():
		e.log.WithField("fd", c.fd).WithField("peer", c.peer).Debug("hangup")
		e.evict(c)
	case ev.Readable():
		e.onReadable(c)
	case ev.Writable():
		e.onWritable(c)
	}
}

func (e *Engine) onReadable(c *Conn) {
	c.enter()
	if err := c.read(); err != nil {
		c.leave()
		e.log.WithError(err).WithField("fd", c.fd).Debug("read")
		e.evict(c)
		return
	}
	e.refreshTimer(c, e.opts.IdleTimeout)
	c.leave()

	c.busy.Add(1)
	err := e.pool.Submit(c)
	switch {
	case err == nil:
	case errors.Is(err, pools.ErrQueueFull):
		// process on the reactor rather than drop the request
		e.stats.queueFull.Add(1)
		e.stats.inline.Add(1)
		c.enter()
		out := c.process()
		c.leave()
		c.busy.Add(-1)
		e.settle(c, out)
	default:
		c.busy.Add(-1)
		e.evict(c)
	}
}

func (e *Engine) onWritable(c *Conn) {
	c.enter()
	out := c.write()
	c.leave()
	e.settle(c, out)
}

// settle re-arms or evicts c on the reactor.
func (e *Engine) settle(c *Conn, out outcome) {
	if out == outcomeClose {
		e.evict(c)
		return
	}
	if err := e.poller.Rearm(c.fd, out.interest()); err != nil {
		e.log.WithError(err).WithField("fd", c.fd).Warn("rearm failed")
		e.evict(c)
	}
}

// accept takes up to Backlog pending connections.
func (e *Engine) accept() {
	for i := 0; i < e.opts.Backlog; i++ {
		nfd, sa, err := unix.Accept4(e.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			}
			e.pauseAccept(err)
			return
		}

		if nfd >= len(e.conns) || int(e.stats.active.Load()) >= e.opts.MaxConnections {
			e.rejectBusy(nfd)
			continue
		}
		if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			e.log.WithError(err).WithField("fd", nfd).Debug("set TCP_NODELAY")
		}

		e.nextGen++
		c := &Conn{
			engine:    e,
			fd:        nfd,
			gen:       e.nextGen,
			peer:      sockaddrString(sa),
			open:      true,
			keepAlive: true,
		}
		c.parser.Init(e.bytes.Get(e.opts.ReadBuffer))
		c.resp.Init(e.bytes.Get(e.opts.WriteBuffer))

		if err := e.poller.Register(nfd, poller.Readable); err != nil {
			e.log.WithError(err).WithField("fd", nfd).Error("register")
			e.bytes.Put(c.parser.Release())
			e.bytes.Put(c.resp.Release())
			unix.Close(nfd)
			continue
		}

		e.conns[nfd] = c
		e.stats.active.Add(1)
		e.stats.accepted.Add(1)
		e.refreshTimer(c, e.opts.AcceptTimeout)
		e.log.WithField("fd", nfd).WithField("peer", c.peer).Debug("accepted")
	}
}

// pauseAccept stops watching the listener after an accept error that
// retrying will not clear, such as EMFILE. The listener is level
// triggered, so leaving it armed would spin the loop. The next tick
// resumes accepting.
func (e *Engine) pauseAccept(err error) {
	if e.acceptPaused {
		return
	}
	if rerr := e.poller.Remove(e.lfd); rerr != nil {
		e.log.WithError(rerr).Error("unwatch listener")
		return
	}
	e.acceptPaused = true
	e.log.WithError(err).WithField("retry_in", e.opts.Tick.String()).Warn("accept failed, pausing")
}

func (e *Engine) resumeAccept() {
	if !e.acceptPaused {
		return
	}
	if err := e.poller.Watch(e.lfd); err != nil {
		e.log.WithError(err).Error("rewatch listener")
		return
	}
	e.acceptPaused = false
	e.log.Debug("accept resumed")
}

// rejectBusy answers a connection that does not fit the table and
// closes it without registering.
func (e *Engine) rejectBusy(fd int) {
	var buf [256]byte
	b := http.NewBuilder(buf[:])
	if err := b.WriteText(http.StatusInternalServerError, http.BodyBusy, false); err == nil {
		// best effort; the socket is closed either way
		_, _ = unix.Write(fd, b.Bytes())
	}
	unix.Close(fd)
	e.stats.rejectedBusy.Add(1)
	e.log.WithField("fd", fd).Warn("connection table full")
}

// refreshTimer replaces c's timer with a new one expiring after d.
func (e *Engine) refreshTimer(c *Conn, d time.Duration) {
	if c.timer != nil {
		e.wheel.Remove(c.timer)
	}
	id := c.id()
	c.timer = e.wheel.Add(d, func() { e.expire(id) })
}

// expire runs on the reactor when a connection timer fires.
func (e *Engine) expire(id ConnID) {
	c := e.lookup(id)
	if c == nil {
		return
	}
	c.timer = nil
	if c.busy.Load() > 0 {
		// a worker owns it; look again next tick
		e.stats.deferred.Add(1)
		c.timer = e.wheel.Add(e.wheel.Unit(), func() { e.expire(id) })
		return
	}
	e.stats.timeouts.Add(1)
	e.log.WithField("fd", c.fd).WithField("peer", c.peer).Debug("idle timeout")
	e.evict(c)
}

func (e *Engine) tick() {
	e.resumeAccept()
	e.wheel.Tick()
	e.alarm.Reset(e.opts.Tick)
}

func (e *Engine) lookup(id ConnID) *Conn {
	if id.Fd < 0 || id.Fd >= len(e.conns) {
		return nil
	}
	c := e.conns[id.Fd]
	if c == nil || c.gen != id.Gen {
		return nil
	}
	return c
}

// requestClose queues id for eviction by the reactor. Safe for concurrent use.
func (e *Engine) requestClose(id ConnID) {
	e.closeMu.Lock()
	e.closeQ = append(e.closeQ, id)
	e.closeMu.Unlock()
	e.waker.Notify(poller.WakeClose)
}

func (e *Engine) drainCloses() {
	e.closeMu.Lock()
	ids := e.closeQ
	e.closeQ = nil
	e.closeMu.Unlock()

	for _, id := range ids {
		if c := e.lookup(id); c != nil {
			e.evict(c)
		}
	}
}

// evict closes c and frees its slot. Reactor only.
func (e *Engine) evict(c *Conn) {
	if !c.open {
		return
	}
	c.enter()
	defer c.leave()
	c.open = false

	if c.timer != nil {
		e.wheel.Remove(c.timer)
		c.timer = nil
	}
	e.poller.Remove(c.fd)
	unix.Close(c.fd)
	c.unmap()
	e.bytes.Put(c.parser.Release())
	e.bytes.Put(c.resp.Release())

	if e.conns[c.fd] == c {
		e.conns[c.fd] = nil
	}
	e.stats.active.Add(-1)
	e.stats.evicted.Add(1)
}

// shutdown stops the pool, evicts every connection and releases the
// engine's descriptors.
func (e *Engine) shutdown() {
	e.state.Store(stateClosed)
	if e.alarm != nil {
		e.alarm.Stop()
	}

	pending := e.pool.Close()
	e.pool.Wait()
	for _, task := range pending {
		if c, ok := task.(*Conn); ok {
			c.busy.Add(-1)
		}
	}

	for _, c := range e.conns {
		if c != nil {
			e.evict(c)
		}
	}
	e.log.WithField("pending", len(pending)).Info("shut down")
	e.release()
}

func (e *Engine) release() {
	e.poller.Close()
	e.waker.Close()
	if e.lnFile != nil {
		e.lnFile.Close()
	}
	if e.ln != nil {
		e.ln.Close()
	}
	close(e.done)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)).String()
	}
	return ""
}
