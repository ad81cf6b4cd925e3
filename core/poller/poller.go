package poller

// Interest is the readiness a client registration waits for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "read"
	case Writable:
		return "write"
	case Readable | Writable:
		return "read|write"
	}
	return "none"
}

// Event flags reported by Wait.
const (
	EventRead uint8 = 1 << iota
	EventWrite
	EventHangup
)

// Event is one readiness notification.
type Event struct {
	Fd    int
	Flags uint8
}

func (e Event) Readable() bool { return e.Flags&EventRead != 0 }
func (e Event) Writable() bool { return e.Flags&EventWrite != 0 }

// Hangup reports peer shutdown or a socket error.
func (e Event) Hangup() bool { return e.Flags&EventHangup != 0 }

// Poller is the I/O multiplexing interface.
//
// Client sockets are registered edge-triggered and oneshot: after an event
// is delivered for a fd, no further event is delivered until Rearm.
// Watched fds (listener, waker) are level-triggered and stay armed.
type Poller interface {
	Watch(fd int) error
	Register(fd int, interest Interest) error
	Rearm(fd int, interest Interest) error
	Remove(fd int) error
	// Wait blocks for at most timeout milliseconds (-1 blocks forever).
	// The returned slice is reused by the next call.
	Wait(timeout int) ([]Event, error)
	Close() error
}
