package lab

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultAlarm is how long a session may run.
	DefaultAlarm = 60 * time.Second

	DefaultSecretPath = "/flag"
	DefaultCatPath    = "cat"
)

var (
	// ErrAlarm is returned by Run when the session's alarm expires.
	ErrAlarm = errors.New("session alarm expired")

	// ErrCrashed is returned by Run when the program would
	// have been killed by a signal.
	ErrCrashed = errors.New("program crashed")
)

// Config configures a program's sessions.
type Config struct {
	// SecretPath is read by lava and heartbeat.
	// DefaultSecretPath is used if empty.
	SecretPath string

	// HomeDir is the working directory of programs started by
	// notes. The HOME environment variable is used if empty.
	HomeDir string

	// CatPath is the program notes runs to print a file.
	// DefaultCatPath is used if empty.
	CatPath string

	// Alarm ends sessions that run longer than this.
	// DefaultAlarm is used if zero. Negative disables it.
	Alarm time.Duration

	// OptAlarmFn is called after the timeout message is written,
	// before the session's connection is closed.
	OptAlarmFn func()

	// OptLogger receives crash reports and session events.
	OptLogger *log.Logger
}

func (o Config) withDefaults() Config {
	if o.SecretPath == "" {
		o.SecretPath = DefaultSecretPath
	}

	if o.HomeDir == "" {
		o.HomeDir = os.Getenv("HOME")
	}

	if o.CatPath == "" {
		o.CatPath = DefaultCatPath
	}

	if o.Alarm == 0 {
		o.Alarm = DefaultAlarm
	}

	if o.OptLogger == nil {
		o.OptLogger = log.New(io.Discard, "", 0)
	}

	return o
}

// Program is an interactive target.
type Program interface {
	// Name identifies the program.
	Name() string

	// TimeoutMessage is written when the session's alarm expires.
	TimeoutMessage() string

	// Run talks to one client until the program exits.
	Run(ctx context.Context, s *Session) error
}

var programs = map[string]Program{
	Notes{}.Name():     Notes{},
	Lava{}.Name():      Lava{},
	Heartbeat{}.Name(): Heartbeat{},
}

// Lookup returns the named program.
func Lookup(name string) (Program, error) {
	p, hasIt := programs[name]
	if !hasIt {
		return nil, fmt.Errorf("unknown program: %q (known programs: %v)", name, Names())
	}

	return p, nil
}

// Names returns the names of all programs.
func Names() []string {
	var names []string
	for name := range programs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Session is a program's view of a client connection. Input is
// unbuffered from the client's point of view: bytes that a read
// does not consume stay available to the next read.
type Session struct {
	// Name identifies the session in log messages.
	Name string

	config Config
	r      *bufio.Reader

	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// Config returns the session's configuration.
func (o *Session) Config() Config {
	return o.config
}

// Logf logs a message prefixed with the session's name.
func (o *Session) Logf(format string, a ...interface{}) {
	o.config.OptLogger.Printf("%s: "+format, append([]interface{}{o.Name}, a...)...)
}

// Write writes to the client. It fails after the alarm expires.
func (o *Session) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, ErrAlarm
	}

	return o.w.Write(p)
}

// Printf writes formatted output to the client, like printf(3).
func (o *Session) Printf(format string, a ...interface{}) error {
	_, err := fmt.Fprintf(o, format, a...)
	return err
}

// Puts writes str and a newline, like puts(3).
func (o *Session) Puts(str string) error {
	_, err := io.WriteString(o, str+"\n")
	return err
}

// writeAlarm writes msg and stops further writes.
func (o *Session) writeAlarm(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	_, _ = io.WriteString(o.w, msg+"\n")
	o.closed = true
}

// Run runs program p over rw until it exits, ctx is done, or the
// alarm expires.
func Run(ctx context.Context, p Program, name string, rw io.ReadWriter, config Config) error {
	config = config.withDefaults()

	s := &Session{
		Name:   name,
		config: config,
		r:      bufio.NewReader(rw),
		w:      rw,
	}

	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	alarmed := make(chan struct{})

	if config.Alarm > 0 {
		timer := time.AfterFunc(config.Alarm, func() {
			close(alarmed)

			s.writeAlarm(p.TimeoutMessage())

			if config.OptAlarmFn != nil {
				config.OptAlarmFn()
			}

			cancelFn()
		})
		defer timer.Stop()
	}

	// Closing rw unblocks a program waiting for input.
	stop := context.AfterFunc(ctx, func() {
		closer, ok := rw.(io.Closer)
		if ok {
			_ = closer.Close()
		}
	})
	defer stop()

	s.Logf("%s started", p.Name())

	err := p.Run(ctx, s)

	select {
	case <-alarmed:
		err = ErrAlarm
	default:
	}

	if err != nil {
		s.Logf("%s exited - %s", p.Name(), err)
	} else {
		s.Logf("%s exited", p.Name())
	}

	return err
}

// Serve accepts connections from ln and runs p for each one until
// ctx is done or ln fails. It waits for running sessions before
// returning.
func Serve(ctx context.Context, ln net.Listener, p Program, config Config) error {
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	wg := sync.WaitGroup{}
	defer wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to accept connection - %w", err)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer c.Close()

			_ = Run(ctx, p, c.RemoteAddr().String(), c, config)
		}()
	}
}
