// Command mcpwsd runs the in-editor MCP WebSocket endpoint standalone,
// wiring a minimal ToolRegistry and process lifecycle (signal handling,
// graceful shutdown) around the protocol core in package server. The
// lifecycle glue here carries none of the core's invariants; it exists
// only because the core (spec.md §1) deliberately excludes it.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"

	"github.com/clidebridge/mcpwsd/server"
	"github.com/clidebridge/mcpwsd/tools"
)

func main() {
	var (
		host        = flag.String("host", "127.0.0.1", "loopback address to bind")
		portMin     = flag.Int("port-min", 0, "minimum port in the bind range (0 lets the OS pick)")
		portMax     = flag.Int("port-max", 0, "maximum port in the bind range")
		authToken   = flag.String("auth-token", os.Getenv("MCPWSD_AUTH_TOKEN"), "shared secret required in X-Claude-Code-Ide-Authorization")
		keepalive   = flag.Duration("keepalive", 30*time.Second, "ping interval")
		handshakeTO = flag.Duration("handshake-timeout", 10*time.Second, "max time a connection may sit unhandshaked")
		logLevel    = flag.String("log-level", "info", "trace|debug|info|warn|error")
	)
	flag.Parse()

	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = parseLogLevel(*logLevel)
	log := server.NewLogger(factory)

	opts := server.Options{
		Host:              *host,
		PortMin:           *portMin,
		PortMax:           *portMax,
		AuthToken:         *authToken,
		KeepaliveInterval: *keepalive,
		HandshakeTimeout:  *handshakeTO,
	}

	callbacks := server.Callbacks{
		OnConnect: func(c *server.Client) {
			log.Noticef("client %s connected from %s", c.ID(), c.RemoteAddr())
		},
		OnDisconnect: func(c *server.Client, code int, reason string) {
			log.Noticef("client %s disconnected: %d %s", c.ID(), code, reason)
		},
		OnError: func(msg string) {
			log.Errorf("%s", msg)
		},
	}

	srv, err := server.New(opts, nil, callbacks, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcpwsd:", err)
		os.Exit(1)
	}
	srv.SetToolRegistry(tools.New(srv, nil))

	ok, reason := srv.Start()
	if !ok {
		fmt.Fprintln(os.Stderr, "mcpwsd: failed to start:", reason)
		os.Exit(1)
	}
	log.Noticef("mcpwsd listening on %s:%d", opts.Host, srv.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Noticef("shutting down")
	if ok, reason := srv.Stop(); !ok {
		fmt.Fprintln(os.Stderr, "mcpwsd: stop failed:", reason)
		os.Exit(1)
	}
}

func parseLogLevel(s string) logging.LogLevel {
	switch s {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}
