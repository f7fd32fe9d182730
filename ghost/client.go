package ghost

import (
	"context"
	"fmt"
	"io"
	"net"

	"gitlab.com/stephen-fox/uafkit/bstruct"
	"gitlab.com/stephen-fox/uafkit/wire"
	"golang.org/x/sys/unix"
)

// Open connects to the daemon's socket. Each connection is
// a separate task.
func Open(ctx context.Context, path string) (*Client, error) {
	c, err := (&net.Dialer{}).DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}

	return NewClient(c), nil
}

// NewClient creates a Client that speaks over rwc.
func NewClient(rwc io.ReadWriteCloser) *Client {
	return &Client{
		rwc: rwc,
	}
}

// Client issues device commands. Failed commands return
// an *ErrnoError.
type Client struct {
	rwc io.ReadWriteCloser
}

func (o *Client) call(cmd uint32, arg []byte) ([]byte, error) {
	err := wire.WriteRequest(o.rwc, wire.Request{
		Op:  cmd,
		Arg: arg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write %s request - %w", CmdName(cmd), err)
	}

	resp, err := wire.ReadResponse(o.rwc, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response - %w", CmdName(cmd), err)
	}

	if resp.Status != 0 {
		return nil, errno(cmd, unix.Errno(resp.Status))
	}

	return resp.Body, nil
}

func (o *Client) callStruct(cmd uint32, args interface{}) ([]byte, error) {
	arg, err := bstruct.ToBytes(args, wire.ByteOrder, nil)
	if err != nil {
		return nil, err
	}

	return o.call(cmd, arg)
}

func (o *Client) HookOn() error {
	_, err := o.call(CmdHookOn, nil)
	return err
}

func (o *Client) HookOff() error {
	_, err := o.call(CmdHookOff, nil)
	return err
}

func (o *Client) Arm(arg uint64) error {
	b := make([]byte, sizeofUnsignedLong)
	wire.ByteOrder.PutUint64(b, arg)

	_, err := o.call(CmdArm, b)
	return err
}

func (o *Client) Free() error {
	_, err := o.call(CmdFree, nil)
	return err
}

// Spray allocates count glows holding fn and arg.
func (o *Client) Spray(count uint32, fn uint64, arg uint64) error {
	_, err := o.callStruct(CmdSpray, SprayRequest{
		Count: count,
		Fn:    fn,
		Arg:   arg,
	})
	return err
}

// ReadFlag reads up to n bytes of the secret file.
func (o *Client) ReadFlag(n uint32) ([]byte, error) {
	return o.callStruct(CmdReadFlag, FlagRequest{
		Buf: 1,
		Len: n,
	})
}

// Poke makes count getpid system calls and returns the PID.
func (o *Client) Poke(count uint32) (int, error) {
	body, err := o.callStruct(CmdGetpid, getpidArgs{Count: count})
	if err != nil {
		return 0, err
	}

	var resp getpidBody

	_, err = bstruct.FromBytes(body, wire.ByteOrder, &resp)
	if err != nil {
		return 0, fmt.Errorf("failed to decode getpid response - %w", err)
	}

	return int(resp.PID), nil
}

// Kallsyms returns the kernel symbols in /proc/kallsyms format.
func (o *Client) Kallsyms() (string, error) {
	body, err := o.call(CmdKallsyms, nil)
	return string(body), err
}

// Ioctl sends a raw command.
func (o *Client) Ioctl(cmd uint32, arg []byte) ([]byte, error) {
	return o.call(cmd, arg)
}

func (o *Client) Close() error {
	return o.rwc.Close()
}
