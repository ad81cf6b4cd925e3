/*
Package faststatic is a static file server for Linux built on a single
epoll reactor and a worker pool.

One goroutine owns the listening socket, the epoll set, the connection
table and a timer wheel. It accepts connections, reads request bytes and
closes idle connections. Parsing, file lookup and response writing run on
the worker pool. Client sockets are registered edge-triggered and oneshot,
so a connection is handled by at most one goroutine at a time.

Only GET over HTTP/1.1 is served. Files are mapped with mmap and sent
together with the response head in one writev call; keep-alive is the
default and "Connection: close" ends the connection after the response.

Quick Start

	package main

	import (
	    "log"

	    "github.com/searchktools/fast-static/app"
	    "github.com/searchktools/fast-static/config"
	)

	func main() {
	    cfg := config.New()
	    application, err := app.New(cfg)
	    if err != nil {
	        log.Fatal(err)
	    }
	    if err := application.Run(); err != nil {
	        log.Fatal(err)
	    }
	}

Run it with -root to choose the document root and -port to choose the port.
Every flag can also be set as FASTSTATIC_<FLAG> in the environment or as a
key in a JSON file passed with -config.

Modules

  - app: Application lifecycle, logging and signal handling
  - config: Configuration loading (flags, environment, JSON)
  - core: Reactor engine, connections and statistics
  - core/http: Request parser and response builder
  - core/sendfile: Document root resolution and file mapping
  - core/poller: epoll and the wake-up pipe
  - core/timewheel: Timer wheel for idle timeouts
  - core/pools: Worker pool, buffer pool and GC tuning
*/
package faststatic
