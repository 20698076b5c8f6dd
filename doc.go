/*
Package chunkserver is a connection-oriented HTTP/1.1 server that streams
files to clients as chunked bodies.

Accepted connections are spread round-robin over a pool of reactors. Each
connection is owned by a session that reads a request, dispatches it by exact
request-target match and answers with either an in-memory response or a file
streamed in fixed-size chunks. Several files can be streamed on one
connection at once; every chunk is written as one whole frame.

Diagnostics go through a single-consumer log sink so request handling never
blocks on output.

Quick Start

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatal(err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	application.Routes().Add("/about", func(w http.Responder, req *http.Request) {
		w.SendResponse("About page", "text/plain")
	})

	if err := application.Run(); err != nil {
		log.Fatal(err)
	}

With static.dir set, every regular file in that directory is served at
"/<name>" and "/" serves the index file.

Modules

  - app: wiring and signal handling
  - config: configuration loading (viper), validation and defaults
  - core: server, sessions and file transfers
  - core/http: request parser and response framing
  - core/router: exact-match route table
  - core/reactor: reactor pool
  - core/poller: epoll/kqueue readiness for the listening socket
  - core/logsink: asynchronous log sink and leveled logger
  - core/pools: tiered byte buffers
  - core/metrics: Prometheus metrics
  - core/mime: content types by file extension
  - core/static: static directory routes
*/
package chunkserver
