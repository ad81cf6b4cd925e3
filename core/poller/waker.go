//go:build linux

package poller

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Wake is a set of wake-up reasons delivered to the event loop.
type Wake uint32

const (
	WakeTick Wake = 1 << iota
	WakeShutdown
	WakeClose
)

func (w Wake) Has(k Wake) bool { return w&k != 0 }

// Waker wakes a goroutine blocked in Poller.Wait from any other goroutine.
// Reasons accumulate in a bit set; the pipe only carries the wake-up.
type Waker struct {
	rfd, wfd int
	pending  atomic.Uint32

	mu     sync.RWMutex
	closed bool
}

// NewWaker creates a non-blocking self-pipe.
func NewWaker() (*Waker, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("poller: pipe2: %w", err)
	}
	return &Waker{rfd: fds[0], wfd: fds[1]}, nil
}

// Fd returns the descriptor to Watch.
func (w *Waker) Fd() int { return w.rfd }

// Notify records k and wakes the loop. Safe for concurrent use; after
// Close it does nothing.
func (w *Waker) Notify(k Wake) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}

	w.pending.Or(uint32(k))
	for {
		_, err := unix.Write(w.wfd, []byte{1})
		// a full pipe already guarantees a wake-up
		if err != unix.EINTR {
			return
		}
	}
}

// Drain consumes the pipe and returns the accumulated reasons.
func (w *Waker) Drain() Wake {
	var buf [64]byte
	for {
		n, err := unix.Read(w.rfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			break
		}
	}
	return Wake(w.pending.Swap(0))
}

// Close closes both ends of the pipe.
func (w *Waker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := unix.Close(w.wfd)
	if cerr := unix.Close(w.rfd); err == nil {
		err = cerr
	}
	return err
}
