//go:build linux

package poller

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestPoller(t *testing.T) *EpollPoller {
	t.Helper()
	p, err := NewPoller(16)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// TestOneshotNeedsRearm 测试 oneshot 注册在重新武装前不再触发
func TestOneshotNeedsRearm(t *testing.T) {
	p := newTestPoller(t)
	r, w := newPipe(t)

	require.NoError(t, p.Register(r, Readable))
	_, err := unix.Write(w, []byte("a"))
	require.NoError(t, err)

	events, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, r, events[0].Fd)
	assert.True(t, events[0].Readable())
	assert.False(t, events[0].Hangup())

	// more data, but the registration is disarmed
	_, err = unix.Write(w, []byte("b"))
	require.NoError(t, err)
	events, err = p.Wait(50)
	require.NoError(t, err)
	assert.Empty(t, events)

	// rearming with data still buffered reports it again
	require.NoError(t, p.Rearm(r, Readable))
	events, err = p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Readable())
}

func TestWritableInterest(t *testing.T) {
	p := newTestPoller(t)
	_, w := newPipe(t)

	require.NoError(t, p.Register(w, Writable))
	events, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Writable())
	assert.False(t, events[0].Readable())
}

func TestHangup(t *testing.T) {
	p := newTestPoller(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	require.NoError(t, p.Register(fds[0], Readable))
	require.NoError(t, unix.Close(fds[1]))

	events, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Hangup())
}

func TestWatchIsLevelTriggered(t *testing.T) {
	p := newTestPoller(t)
	r, w := newPipe(t)

	require.NoError(t, p.Watch(r))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		events, err := p.Wait(1000)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, r, events[0].Fd)
	}

	require.NoError(t, p.Remove(r))
	events, err := p.Wait(20)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWakerAccumulates(t *testing.T) {
	p := newTestPoller(t)
	waker, err := NewWaker()
	require.NoError(t, err)
	defer waker.Close()
	require.NoError(t, p.Watch(waker.Fd()))

	waker.Notify(WakeTick)
	waker.Notify(WakeShutdown)
	waker.Notify(WakeTick)

	events, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, waker.Fd(), events[0].Fd)

	wake := waker.Drain()
	assert.True(t, wake.Has(WakeTick))
	assert.True(t, wake.Has(WakeShutdown))
	assert.False(t, wake.Has(WakeClose))

	// drained: nothing pending, nothing readable
	assert.Equal(t, Wake(0), waker.Drain())
	events, err = p.Wait(20)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWakerConcurrentNotify(t *testing.T) {
	waker, err := NewWaker()
	require.NoError(t, err)
	defer waker.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10000; j++ {
				waker.Notify(WakeClose)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, WakeClose, waker.Drain())
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "read", Readable.String())
	assert.Equal(t, "write", Writable.String())
	assert.Equal(t, "read|write", (Readable | Writable).String())
}
