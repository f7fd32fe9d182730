// Package process provides a line-oriented tube for talking to
// targets over a network connection, a local process, or any pair
// of pipes.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StartOrExit calls Start. It calls DefaultExitFn if an error occurs.
func StartOrExit(cmd *exec.Cmd) *Process {
	p, err := Start(cmd)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to start process - %w", err))
	}
	return p
}

// Start starts cmd and returns a Process connected to its stdin
// and stdout. Closing the Process kills cmd if it is still running.
func Start(cmd *exec.Cmd) (*Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe - %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe - %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start process - %w", err)
	}

	proc := &Process{
		input:  stdin,
		output: bufio.NewReader(stdout),
	}

	waitDone := make(chan struct{})
	var waitErr error

	go func() {
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	proc.done = func() error {
		_ = stdin.Close()

		select {
		case <-waitDone:
		case <-time.After(time.Second):
			_ = cmd.Process.Kill()
			<-waitDone
		}

		return waitErr
	}

	return proc, nil
}

// DialOrExit calls Dial. It calls DefaultExitFn if an error occurs.
func DialOrExit(network string, address string) *Process {
	p, err := Dial(network, address)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to dial program - %w", err))
	}
	return p
}

// Dial connects to address.
func Dial(network string, address string) (*Process, error) {
	return DialContext(context.Background(), network, address)
}

// DialContext connects to address using the provided context.
func DialContext(ctx context.Context, network string, address string) (*Process, error) {
	c, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	return FromNetConn(c), nil
}

// FromNetConn wraps an existing network connection.
func FromNetConn(c net.Conn) *Process {
	return &Process{
		input:  c,
		output: bufio.NewReader(c),
		conn:   c,
		done: func() error {
			return c.Close()
		},
	}
}

// FromIO creates a Process that writes to w and reads from r.
// Closing the Process closes w and r if they implement io.Closer.
func FromIO(w io.Writer, r io.Reader) *Process {
	return &Process{
		input:  w,
		output: bufio.NewReader(r),
		done: func() error {
			var errs []error

			if closer, ok := w.(io.Closer); ok {
				errs = append(errs, closer.Close())
			}

			if closer, ok := r.(io.Closer); ok {
				errs = append(errs, closer.Close())
			}

			return errors.Join(errs...)
		},
	}
}

// Process is a connection to a target.
type Process struct {
	input     io.Writer
	output    *bufio.Reader
	conn      net.Conn
	done      func() error
	closeOnce sync.Once
	closeErr  error
	logger    *log.Logger
}

// SetLogger sets a logger that logs all reads and writes.
func (o *Process) SetLogger(logger *log.Logger) {
	o.logger = logger
}

// SetDeadline sets the read and write deadline of the underlying
// network connection. It is a no-op for other kinds of Process.
func (o *Process) SetDeadline(t time.Time) error {
	if o.conn == nil {
		return nil
	}

	return o.conn.SetDeadline(t)
}

func (o *Process) WriteOrExit(p []byte) {
	_, err := o.Write(p)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to write to process - %w", err))
	}
}

// Write writes p to the target.
func (o *Process) Write(p []byte) (int, error) {
	if o.logger != nil {
		o.logger.Printf("write: %q", p)
	}

	return o.input.Write(p)
}

// Read reads whatever the target has sent, up to len(p) bytes.
func (o *Process) Read(p []byte) (int, error) {
	n, err := o.output.Read(p)

	if o.logger != nil && n > 0 {
		o.logger.Printf("read: %q", p[:n])
	}

	return n, err
}

func (o *Process) WriteLineOrExit(p []byte) {
	err := o.WriteLine(p)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to write line to process - %w", err))
	}
}

// WriteLine writes p followed by a newline.
func (o *Process) WriteLine(p []byte) error {
	line := make([]byte, len(p)+1)
	copy(line, p)
	line[len(p)] = '\n'

	_, err := o.Write(line)

	return err
}

func (o *Process) ReadByteOrExit() byte {
	b, err := o.ReadByte()
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to read one byte from process - %w", err))
	}
	return b
}

func (o *Process) ReadByte() (byte, error) {
	return o.output.ReadByte()
}

// ReadN reads exactly n bytes.
func (o *Process) ReadN(n int) ([]byte, error) {
	b := make([]byte, n)

	_, err := io.ReadFull(o.output, b)
	if err != nil {
		return nil, err
	}

	if o.logger != nil {
		o.logger.Printf("ReadN read: %q", b)
	}

	return b, nil
}

func (o *Process) ReadLineOrExit() []byte {
	p, err := o.ReadLine()
	if err != nil {
		DefaultExitFn(err)
	}
	return p
}

// ReadLine reads until and including the next newline.
func (o *Process) ReadLine() ([]byte, error) {
	return o.ReadUntilChar('\n')
}

func (o *Process) ReadUntilCharOrExit(delim byte) []byte {
	p, err := o.ReadUntilChar(delim)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to read from process until 0x%x - %w", delim, err))
	}
	return p
}

func (o *Process) ReadUntilChar(delim byte) ([]byte, error) {
	p, err := o.output.ReadBytes(delim)
	if err != nil {
		return nil, err
	}

	if o.logger != nil {
		o.logger.Printf("ReadUntilChar read: %q", p)
	}

	return p, nil
}

func (o *Process) ReadUntilOrExit(p []byte) []byte {
	res, err := o.ReadUntil(p)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to read from process until 0x%x - %w", p, err))
	}
	return res
}

// ReadUntil reads until the data read ends with p. The returned
// slice includes p.
func (o *Process) ReadUntil(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, errors.New("delimiter cannot be empty")
	}

	buff := bytes.NewBuffer(nil)

	for {
		b, err := o.output.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w (read so far: %q)", err, buff.Bytes())
		}

		buff.WriteByte(b)

		if bytes.HasSuffix(buff.Bytes(), p) {
			if o.logger != nil {
				o.logger.Printf("ReadUntil read: %q", buff.Bytes())
			}

			return buff.Bytes(), nil
		}
	}
}

// ReadAll reads until the target closes the connection.
func (o *Process) ReadAll() ([]byte, error) {
	b, err := io.ReadAll(o.output)
	if err != nil {
		return b, err
	}

	if o.logger != nil {
		o.logger.Printf("ReadAll read: %q", b)
	}

	return b, nil
}

// Close releases the Process' resources. Subsequent calls return
// the result of the first call.
func (o *Process) Close() error {
	o.closeOnce.Do(func() {
		if o.done != nil {
			o.closeErr = o.done()
		}
	})

	return o.closeErr
}

func (o *Process) InteractiveOrExit() {
	err := o.Interactive()
	if err != nil {
		DefaultExitFn(fmt.Errorf("process interaction failed - %w", err))
	}
}

// Interactive copies stdin to the target and the target's output
// to stdout until either side fails.
func (o *Process) Interactive() error {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(os.Stdout, o.output)
		if err == nil {
			err = io.EOF
		}
		done <- fmt.Errorf("failed to copy output reader to stdout - %w", err)
	}()

	go func() {
		_, err := io.Copy(o.input, os.Stdin)
		if err == nil {
			err = io.EOF
		}
		done <- fmt.Errorf("failed to copy stdin to input writer - %w", err)
	}()

	err := <-done
	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}
