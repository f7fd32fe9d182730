package ghost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"gitlab.com/stephen-fox/uafkit/bstruct"
	"gitlab.com/stephen-fox/uafkit/iokit"
	"gitlab.com/stephen-fox/uafkit/wire"
	"golang.org/x/sys/unix"
)

const (
	// DefaultSocketPath is where the daemon exposes the device.
	DefaultSocketPath = "/tmp/ghostlight.sock"

	// MaxGetpidCount caps the number of system calls made by
	// a single CmdGetpid.
	MaxGetpidCount = 1 << 20

	// Ioctl arguments are small fixed-size structs.
	maxArgLen = 64

	socketMode = 0o666
)

// getpidArgs is the argument of CmdGetpid.
type getpidArgs struct {
	Count uint32
}

// getpidBody is the body of a CmdGetpid response.
type getpidBody struct {
	PID uint32
}

// Listen removes a stale socket at path and listens on it. The
// socket is world-writable, like the device node.
func Listen(ctx context.Context, path string) (net.Listener, error) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket - %w", err)
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "unix", path)
	if err != nil {
		return nil, err
	}

	err = os.Chmod(path, socketMode)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to chmod socket - %w", err)
	}

	return ln, nil
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Device is shared by all clients.
	Device *Device

	// OptLogger logs client connections.
	OptLogger *log.Logger

	// OptTraceLogger receives hexdumps of all traffic.
	OptTraceLogger *log.Logger

	// OptMetrics records client connections.
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

// Server exposes a Device to clients. Each client connection is
// a separate Task.
type Server struct {
	config ServerConfig
	wg     sync.WaitGroup
}

// Serve accepts connections from ln until ctx is done or ln fails.
// It closes ln and waits for clients before returning.
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

// ServeConn serves commands from c as a new Task and closes c.
func (o *Server) ServeConn(ctx context.Context, c net.Conn) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	task := o.config.Device.NewTask()

	o.config.OptLogger.Printf("pid %d: opened device", task.PID)
	o.config.OptMetrics.clientOpened()

	err := o.serve(task, c)

	o.config.OptMetrics.clientClosed()

	if err != nil && ctx.Err() == nil {
		o.config.OptLogger.Printf("pid %d: closed device - %s", task.PID, err)
	} else {
		o.config.OptLogger.Printf("pid %d: closed device", task.PID)
	}

	_ = c.Close()
}

func (o *Server) serve(task *Task, rw io.ReadWriter) error {
	if o.config.OptTraceLogger != nil {
		rw = &iokit.TraceReadWriter{
			RW:         rw,
			Name:       fmt.Sprintf("pid %d", task.PID),
			OptLoggerR: o.config.OptTraceLogger,
			OptLoggerW: o.config.OptTraceLogger,
		}
	}

	for {
		req, err := wire.ReadRequest(rw, maxArgLen)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("failed to read request - %w", err)
		}

		body, err := o.handle(task, req)

		resp := wire.Response{
			Body: body,
		}

		if err != nil {
			e := ErrnoOf(err)
			if e == 0 {
				return err
			}

			resp.Status = uint32(e)
			resp.Body = nil
		}

		err = wire.WriteResponse(rw, resp)
		if err != nil {
			return fmt.Errorf("failed to write response - %w", err)
		}
	}
}

func (o *Server) handle(task *Task, req wire.Request) ([]byte, error) {
	switch req.Op {
	case CmdGetpid:
		var args getpidArgs

		_, err := bstruct.FromBytes(req.Arg, wire.ByteOrder, &args)
		if err != nil || args.Count > MaxGetpidCount {
			return nil, errno(req.Op, unix.EINVAL)
		}

		pid := task.PID
		for i := uint32(0); i < args.Count; i++ {
			pid = o.config.Device.Getpid(task)
		}

		return bstruct.ToBytes(getpidBody{PID: uint32(pid)}, wire.ByteOrder, nil)
	case CmdKallsyms:
		return []byte(Kallsyms()), nil
	default:
		return o.config.Device.Ioctl(task, req.Op, req.Arg)
	}
}
