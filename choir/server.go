package choir

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// Listen listens on a TCP address with SO_REUSEADDR set.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: listenControl,
	}

	return lc.Listen(ctx, "tcp", address)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Arena configures each session's arena. OptLogger and
	// OptName are set per session.
	Arena ArenaConfig

	// SessionTimeout ends sessions that run longer than this.
	// Zero means no timeout.
	SessionTimeout time.Duration

	// MaxArgLen limits request arguments.
	MaxArgLen int

	// OptLogger logs connections and crash reports.
	OptLogger *log.Logger

	// OptTraceLogger receives hexdumps of all traffic.
	OptTraceLogger *log.Logger

	// OptMetrics records server activity.
	OptMetrics *Metrics
}

// NewServer creates a Server.
func NewServer(config ServerConfig) *Server {
	if config.OptLogger == nil {
		config.OptLogger = log.New(io.Discard, "", 0)
	}

	return &Server{
		config: config,
	}
}

// Server accepts connections and runs one Session per connection,
// each with its own Arena.
type Server struct {
	config ServerConfig
	wg     sync.WaitGroup
}

// Serve accepts connections from ln until ctx is done or ln fails.
// It closes ln and waits for running sessions before returning.
func (o *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	defer o.wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to accept connection - %w", err)
		}

		o.wg.Add(1)

		go func() {
			defer o.wg.Done()
			o.ServeConn(ctx, c)
		}()
	}
}

// ServeConn runs a session on c and closes it.
func (o *Server) ServeConn(ctx context.Context, c net.Conn) {
	name := c.RemoteAddr().String()

	if o.config.SessionTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(o.config.SessionTimeout))
	}

	o.ServeRW(ctx, name, c)

	_ = c.Close()
}

// ServeRW runs a session over rw, such as stdin and stdout.
// It returns the session's error, which is also logged.
//
// The session ends when ctx is done or SessionTimeout elapses. If rw
// is an io.Closer, it is closed at that point so that a blocked read
// returns.
func (o *Server) ServeRW(ctx context.Context, name string, rw io.ReadWriter) error {
	if o.config.SessionTimeout > 0 {
		var cancelFn func()
		ctx, cancelFn = context.WithTimeout(ctx, o.config.SessionTimeout)
		defer cancelFn()
	}

	if closer, ok := rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = closer.Close()
		})
		defer stop()
	}

	arenaConfig := o.config.Arena
	arenaConfig.OptLogger = o.config.OptLogger
	arenaConfig.OptName = name

	session := &Session{
		Name:           name,
		Arena:          NewArena(arenaConfig),
		RW:             rw,
		MaxArgLen:      o.config.MaxArgLen,
		OptLogger:      o.config.OptLogger,
		OptTraceLogger: o.config.OptTraceLogger,
		OptMetrics:     o.config.OptMetrics,
	}

	o.config.OptLogger.Printf("%s: session started", name)
	o.config.OptMetrics.sessionStarted()

	err := session.Run(ctx)

	aborted := err != nil && ctx.Err() == nil
	o.config.OptMetrics.sessionEnded(aborted)

	if err != nil {
		o.config.OptLogger.Printf("%s: session ended - %s", name, err)
	} else {
		o.config.OptLogger.Printf("%s: session ended", name)
	}

	return err
}
