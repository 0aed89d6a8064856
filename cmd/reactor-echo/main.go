// Command reactor-echo runs a TCP echo server, and optionally a client of
// it, on a single reactor loop.
//
// Usage:
//
//	reactor-echo [-config config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-reactor/outbuf"
	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/go-reactor/socket"
	"github.com/joeycumines/go-reactor/stream"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func run(ctx context.Context, cfg *Config, w io.Writer) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := newLogger(w, level)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop, err := reactor.New(
		reactor.LogExceptions(logger, catrate.NewLimiter(reactor.DefaultExceptionLogRates), reactor.Ignore),
		reactor.WithLogger(logger),
		reactor.WithMetrics(cfg.Metrics),
	)
	if err != nil {
		return err
	}

	resolver := stream.NewResolver(cfg.ResolverConcurrency, stream.WithLogger(logger))
	defer resolver.Close()
	initiator := stream.NewInitiator(resolver, stream.WithLogger(logger))

	e := &echo{
		cfg:       cfg,
		logger:    logger,
		loop:      loop,
		initiator: initiator,
		alloc:     outbuf.NewPoolAllocator(cfg.MinimumChunkSize),
	}

	host, port, err := cfg.ListenAddr()
	if err != nil {
		return err
	}
	if err := initiator.Bind(loop, host, port, cfg.Backlog, e.accept, func(_ *reactor.Key, err error) error {
		logger.Err().Err(err).Str("listen", cfg.Listen).Log("echo: bind failed")
		cancel()
		return nil
	}); err != nil {
		return err
	}

	if cfg.Client != nil {
		if err := loop.ScheduleNow(e.dial); err != nil {
			return err
		}
	}

	err = loop.Run(ctx)

	if cfg.Metrics {
		m := loop.Metrics()
		logger.Info().
			Uint64("iterations", m.Iterations).
			Uint64("callbacks", m.Callbacks).
			Uint64("dispatches", m.Dispatches).
			Uint64("exceptions", m.Exceptions).
			Dur("lateness_p99", m.Lateness.P99).
			Log("echo: loop metrics")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// echo holds the state shared by the server and client, all of which is
// used only on the loop goroutine.
type echo struct {
	cfg       *Config
	logger    *logiface.Logger[logiface.Event]
	loop      *reactor.Loop
	initiator *stream.Initiator
	alloc     outbuf.Allocator
}

func (e *echo) connConfig() stream.Config {
	return stream.Config{
		Logger:               e.logger,
		InputBufferSize:      e.cfg.InputBufferSize,
		SendAllBeforeReading: e.cfg.SendAllBeforeReading,
		Output: []outbuf.Option{
			outbuf.WithMinimumChunkSize(e.cfg.MinimumChunkSize),
			outbuf.WithAllocator(e.alloc),
		},
	}
}

func (e *echo) accept(sock socket.Socket) {
	out := outbuf.New(e.connConfig().Output...)
	listener := &stream.ListenerFuncs{
		OnDisconnected: func() {
			e.logger.Info().Int("fd", sock.FD()).Log("echo: peer disconnected")
		},
	}
	conn := stream.NewConn(sock, listener, stream.ReceiverFunc(out.Append), out, e.connConfig())
	if _, err := conn.Register(e.loop); err != nil {
		e.logger.Err().Err(err).Log("echo: failed to register connection")
		_ = sock.Close()
		return
	}
	e.logger.Info().Int("fd", sock.FD()).Log("echo: accepted")
}

// dial connects the client, retrying every interval until it succeeds.
func (e *echo) dial() {
	client := e.cfg.Client
	interval := time.Duration(client.Interval)
	out := outbuf.New(e.connConfig().Output...)

	var connected bool
	var send func()
	send = func() {
		if !connected {
			return
		}
		_, _ = out.AppendString(client.Message)
		_ = e.loop.ScheduleAfter(interval, send)
	}

	retry := func() {
		connected = false
		_ = e.loop.ScheduleAfter(interval, e.dial)
	}

	listener := &stream.ListenerFuncs{
		OnConnected: func() {
			e.logger.Info().Str("host", client.Host).Int("port", int(client.Port)).Log("echo: client connected")
			connected = true
			send()
		},
		OnConnectionFailed: func(err error) {
			e.logger.Warning().Err(err).Dur("retry", interval).Log("echo: client failed to connect")
			retry()
		},
		OnDisconnected: func() {
			e.logger.Warning().Dur("retry", interval).Log("echo: client disconnected")
			retry()
		},
	}

	receiver := stream.ReceiverFunc(func(p []byte) (int, error) {
		e.logger.Info().Str("data", string(p)).Log("echo: client received")
		return len(p), nil
	})

	if err := e.initiator.Connect(e.loop, client.Host, client.Port, listener, receiver, out, e.connConfig()); err != nil {
		e.logger.Err().Err(err).Log("echo: client connect failed")
	}
}
