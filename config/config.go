package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes environment overrides: FASTSTATIC_PORT, FASTSTATIC_MAX_FD.
const EnvPrefix = "FASTSTATIC"

var (
	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("config: invalid")
	// ErrUnknownKey is returned for a key in the JSON file that no
	// setting reads.
	ErrUnknownKey = errors.New("config: unknown key")
)

// Config holds all application configuration.
type Config struct {
	Addr           string        `config:"addr"`
	Port           int           `config:"port"`
	Root           string        `config:"root"`
	MaxFD          int           `config:"max-fd"`
	MaxConnections int           `config:"max-connections"`
	QueueCapacity  int           `config:"queue-capacity"`
	Workers        int           `config:"workers"`
	ReadBuffer     int           `config:"read-buffer"`
	WriteBuffer    int           `config:"write-buffer"`
	MaxPath        int           `config:"max-path"`
	Backlog        int           `config:"backlog"`
	Tick           time.Duration `config:"tick"`
	AcceptTimeout  time.Duration `config:"accept-timeout"`
	IdleTimeout    time.Duration `config:"idle-timeout"`
	GOGC           int           `config:"gogc"`
	MemoryLimit    int64         `config:"memory-limit"`
	LogLevel       string        `config:"log-level"`
	LogFormat      string        `config:"log-format"`
	Env            string        `config:"env"`

	// File is the JSON file the configuration was loaded from, if any.
	File string `config:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:           "0.0.0.0",
		Port:           8080,
		Root:           ".",
		MaxFD:          65536,
		MaxConnections: 10000,
		QueueCapacity:  10000,
		Workers:        0,
		ReadBuffer:     2048,
		WriteBuffer:    1024,
		MaxPath:        1024,
		Backlog:        128,
		Tick:           time.Second,
		AcceptTimeout:  8 * time.Second,
		IdleTimeout:    30 * time.Second,
		LogLevel:       "info",
		LogFormat:      "text",
		Env:            "development",
	}
}

// New loads configuration from the command line, the environment and an
// optional JSON file. It exits the process on error.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Load builds a Config from args. Sources override each other in order:
// defaults, the JSON file named by -config, FASTSTATIC_* environment
// variables, then flags given explicitly in args.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("fast-static", flag.ContinueOnError)
	file := fs.String("config", "", "JSON configuration file")
	registerFlags(fs, Default())
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if *file != "" {
		if err := m.LoadFromJSON(*file); err != nil {
			return nil, err
		}
		cfg.File = *file
	}
	if unknown := m.Unclaimed("", cfg); len(unknown) > 0 {
		return nil, fmt.Errorf("%w %q in %s", ErrUnknownKey, unknown[0], *file)
	}
	m.LoadFromEnv(EnvPrefix)
	m.LoadFromFlags(fs)

	if err := m.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerFlags declares one flag per key. Parsed values land in scratch;
// Load only reads back the flags that were set.
func registerFlags(fs *flag.FlagSet, scratch *Config) {
	fs.StringVar(&scratch.Addr, "addr", scratch.Addr, "Bind address")
	fs.IntVar(&scratch.Port, "port", scratch.Port, "HTTP server port")
	fs.StringVar(&scratch.Root, "root", scratch.Root, "Document root")
	fs.IntVar(&scratch.MaxFD, "max-fd", scratch.MaxFD, "Connection table size")
	fs.IntVar(&scratch.MaxConnections, "max-connections", scratch.MaxConnections, "Concurrent connection limit")
	fs.IntVar(&scratch.QueueCapacity, "queue-capacity", scratch.QueueCapacity, "Worker pool queue capacity")
	fs.IntVar(&scratch.Workers, "workers", scratch.Workers, "Worker goroutines (0 = NumCPU)")
	fs.IntVar(&scratch.ReadBuffer, "read-buffer", scratch.ReadBuffer, "Per-connection read buffer (bytes)")
	fs.IntVar(&scratch.WriteBuffer, "write-buffer", scratch.WriteBuffer, "Per-connection header buffer (bytes)")
	fs.IntVar(&scratch.MaxPath, "max-path", scratch.MaxPath, "Maximum resolved file path length")
	fs.IntVar(&scratch.Backlog, "backlog", scratch.Backlog, "Connections accepted per wake-up")
	fs.DurationVar(&scratch.Tick, "tick", scratch.Tick, "Timer wheel tick")
	fs.DurationVar(&scratch.AcceptTimeout, "accept-timeout", scratch.AcceptTimeout, "Timeout for a new connection to send its first request")
	fs.DurationVar(&scratch.IdleTimeout, "idle-timeout", scratch.IdleTimeout, "Keep-alive idle timeout")
	fs.IntVar(&scratch.GOGC, "gogc", scratch.GOGC, "GC percent (0 keeps the runtime default)")
	fs.Int64Var(&scratch.MemoryLimit, "memory-limit", scratch.MemoryLimit, "Soft memory limit in bytes (0 = none)")
	fs.StringVar(&scratch.LogLevel, "log-level", scratch.LogLevel, "Log level (debug/info/warn/error)")
	fs.StringVar(&scratch.LogFormat, "log-format", scratch.LogFormat, "Log format (text/json)")
	fs.StringVar(&scratch.Env, "env", scratch.Env, "Environment (development/production)")
}

// ListenAddr returns the host:port to bind.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Addr, strconv.Itoa(c.Port))
}

// Validate checks ranges and the document root.
func (c *Config) Validate() error {
	positive := []struct {
		key string
		v   int
	}{
		{"max-fd", c.MaxFD},
		{"max-connections", c.MaxConnections},
		{"queue-capacity", c.QueueCapacity},
		{"read-buffer", c.ReadBuffer},
		{"write-buffer", c.WriteBuffer},
		{"max-path", c.MaxPath},
		{"backlog", c.Backlog},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, p.key, p.v)
		}
	}

	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative", ErrInvalid)
	case c.MaxConnections > c.MaxFD:
		return fmt.Errorf("%w: max-connections %d exceeds max-fd %d", ErrInvalid, c.MaxConnections, c.MaxFD)
	case c.Tick <= 0 || c.AcceptTimeout <= 0 || c.IdleTimeout <= 0:
		return fmt.Errorf("%w: tick and timeouts must be positive", ErrInvalid)
	case c.GOGC < 0:
		return fmt.Errorf("%w: gogc must not be negative", ErrInvalid)
	case c.MemoryLimit < 0:
		return fmt.Errorf("%w: memory-limit must not be negative", ErrInvalid)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("%w: log-format %q", ErrInvalid, c.LogFormat)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("%w: root: %v", ErrInvalid, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: root %s is not a directory", ErrInvalid, c.Root)
	}
	return nil
}

// IsProduction reports whether Env is "production".
func (c *Config) IsProduction() bool { return c.Env == "production" }
