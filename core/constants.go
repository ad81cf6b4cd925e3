package core

import (
	"errors"
	"time"
)

// Engine defaults
const (
	DefaultMaxFD          = 65536
	DefaultMaxConnections = 10000
	DefaultReadBuffer     = 2048
	DefaultWriteBuffer    = 1024
	DefaultMaxPath        = 1024
	DefaultBacklog        = 128
	DefaultMaxEvents      = 10000
	DefaultTick           = time.Second
	DefaultAcceptTimeout  = 8 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
)

// Error definitions
var (
	ErrEngineClosed  = errors.New("core: engine closed")
	ErrNotListening  = errors.New("core: engine is not listening")
	ErrAlreadyServed = errors.New("core: engine already serving")
	ErrNilPool       = errors.New("core: worker pool is required")
	ErrBadOptions    = errors.New("core: invalid engine options")

	errReadBufferFull = errors.New("read buffer full")
	errPeerClosed     = errors.New("peer closed connection")
)
